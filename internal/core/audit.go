package core

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

type AuditEvent struct {
	EventID   string         `json:"event_id"`
	TsMS      int64          `json:"ts_ms"`
	Actor     string         `json:"actor"`
	SessionID string         `json:"session_id,omitempty"`
	Kind      string         `json:"kind"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// AuditLogger appends JSONL records to a file and keeps the most recent
// events in a bounded in-memory ring for the control surface to serve.
type AuditLogger struct {
	mu       sync.Mutex
	file     *os.File
	ring     []AuditEvent
	ringSize int
}

func NewAuditLogger(path string, ringSize int) (*AuditLogger, error) {
	if ringSize <= 0 {
		ringSize = 1000
	}
	var f *os.File
	if path != "" {
		var err error
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, err
		}
	}
	return &AuditLogger{file: f, ringSize: ringSize}, nil
}

func (a *AuditLogger) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	return a.file.Close()
}

func (a *AuditLogger) Log(event AuditEvent) {
	if a == nil {
		return
	}
	if event.TsMS == 0 {
		event.TsMS = time.Now().UnixMilli()
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ring = append(a.ring, event)
	if len(a.ring) > a.ringSize {
		a.ring = append([]AuditEvent(nil), a.ring[len(a.ring)-a.ringSize:]...)
	}
	if a.file == nil {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = a.file.Write(append(line, '\n'))
}

// Recent returns a copy of the in-memory ring, oldest first.
func (a *AuditLogger) Recent() []AuditEvent {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEvent, len(a.ring))
	copy(out, a.ring)
	return out
}
