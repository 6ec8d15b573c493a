// Package store persists session snapshots and appends market-data
// archives to disk.
//
// Session snapshots are stored one file per session: session_<id>.json,
// wrapped in an envelope {sessionId, savedAt, payload}. Writes use atomic
// file replacement (write to .tmp, then rename) so a crash mid-save never
// leaves a partial file. Archives are append-only JSONL files under
// data/backfill/<symbol>/{trade|orderbook|funding}.jsonl.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Archive stream names.
const (
	ArchiveTrade     = "trade"
	ArchiveOrderbook = "orderbook"
	ArchiveFunding   = "funding"
)

// SessionEnvelope wraps a persisted session payload.
type SessionEnvelope struct {
	SessionID string          `json:"sessionId"`
	SavedAt   time.Time       `json:"savedAt"`
	Payload   json.RawMessage `json:"payload"`
}

// Store persists sessions and archives under a base directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	sessionDir string
	archiveDir string
	mu         sync.Mutex

	archives map[string]*os.File // open append handles, keyed by path
}

// Open creates a store rooted at dir. Session files live in
// dir/sessions, archives in dir/data/backfill.
func Open(dir string) (*Store, error) {
	sessionDir := filepath.Join(dir, "sessions")
	archiveDir := filepath.Join(dir, "data", "backfill")
	for _, d := range []string{sessionDir, archiveDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &Store{
		sessionDir: sessionDir,
		archiveDir: archiveDir,
		archives:   make(map[string]*os.File),
	}, nil
}

// Close flushes and closes all open archive handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for path, f := range s.archives {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close archive %s: %w", path, err)
		}
		delete(s.archives, path)
	}
	return firstErr
}

// SaveSession atomically persists a session payload. It writes to a .tmp
// file first, then renames over the target so the file is never left in a
// partial state.
func (s *Store) SaveSession(sessionID string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal session payload: %w", err)
	}
	data, err := json.Marshal(SessionEnvelope{
		SessionID: sessionID,
		SavedAt:   time.Now().UTC(),
		Payload:   raw,
	})
	if err != nil {
		return fmt.Errorf("marshal session envelope: %w", err)
	}

	path := filepath.Join(s.sessionDir, "session_"+sessionID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadSession restores a session envelope from disk.
// Returns nil, nil when no saved session exists.
func (s *Store) LoadSession(sessionID string) (*SessionEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.sessionDir, "session_"+sessionID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	var env SessionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &env, nil
}

// AppendArchive appends one JSON line to the symbol's archive stream.
// The file handle stays open across calls; lines are newline-delimited.
func (s *Store) AppendArchive(symbol, stream string, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal archive record: %w", err)
	}

	path := filepath.Join(s.archiveDir, symbol, stream+".jsonl")
	f, ok := s.archives[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		s.archives[path] = f
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append archive: %w", err)
	}
	return nil
}
