package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPSource asks an external decision service for a plan. The service
// receives {"symbol": ..., "telemetry": {...}} and must answer with a raw
// AIDecisionPlan JSON object; validation happens in the engine.
type HTTPSource struct {
	http *resty.Client
}

// NewHTTPSource creates a source posting to the given endpoint URL.
func NewHTTPSource(endpoint string) *HTTPSource {
	httpClient := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(15 * time.Second).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")

	return &HTTPSource{http: httpClient}
}

type planRequest struct {
	Symbol    string          `json:"symbol"`
	Telemetry json.RawMessage `json:"telemetry"`
}

// Plan posts the telemetry context and returns the raw response body.
func (s *HTTPSource) Plan(ctx context.Context, symbol string, telemetry json.RawMessage) ([]byte, error) {
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(planRequest{Symbol: symbol, Telemetry: telemetry}).
		Post("")
	if err != nil {
		return nil, fmt.Errorf("plan request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("plan request: status %d: %s", resp.StatusCode(), resp.String())
	}
	return resp.Body(), nil
}
