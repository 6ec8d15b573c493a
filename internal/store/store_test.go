package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoadSession(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	payload := map[string]any{"walletBalance": "5000", "eventCount": 42.0}
	if err := s.SaveSession("run-abc123", payload); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	env, err := s.LoadSession("run-abc123")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if env == nil {
		t.Fatal("LoadSession returned nil")
	}
	if env.SessionID != "run-abc123" {
		t.Errorf("SessionID = %q, want run-abc123", env.SessionID)
	}
	if env.SavedAt.IsZero() {
		t.Error("SavedAt not set")
	}

	var got map[string]any
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got["walletBalance"] != "5000" {
		t.Errorf("payload = %+v", got)
	}
}

func TestLoadSessionMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	env, err := s.LoadSession("nonexistent")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if env != nil {
		t.Errorf("expected nil for missing session, got %+v", env)
	}
}

func TestSaveSessionOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SaveSession("run-x", map[string]int{"v": 1})
	_ = s.SaveSession("run-x", map[string]int{"v": 2})

	env, err := s.LoadSession("run-x")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got["v"] != 2 {
		t.Errorf("v = %d, want 2 (latest save)", got["v"])
	}

	// The rename must not leave a temp file behind.
	entries, err := os.ReadDir(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestAppendArchive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	type rec struct {
		Ts    int64  `json:"ts"`
		Price string `json:"price"`
	}
	for i := int64(1); i <= 3; i++ {
		if err := s.AppendArchive("BTCUSDT", ArchiveTrade, rec{Ts: i * 1000, Price: "100"}); err != nil {
			t.Fatalf("AppendArchive: %v", err)
		}
	}
	if err := s.AppendArchive("BTCUSDT", ArchiveFunding, rec{Ts: 9000, Price: "0.0001"}); err != nil {
		t.Fatalf("AppendArchive funding: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "data", "backfill", "BTCUSDT", "trade.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []rec
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r rec
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line %d: %v", len(lines), err)
		}
		lines = append(lines, r)
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	if lines[2].Ts != 3000 {
		t.Errorf("last ts = %d, want append order preserved", lines[2].Ts)
	}
}
