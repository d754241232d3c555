// Package notify delivers session lifecycle events to an external webhook.
// Delivery is fire-and-forget and never blocks the supervisor.
package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"cc-supervisor/internal/core"
)

type Notifier struct {
	url    string
	client *http.Client
}

func NewNotifier(url string) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type payload struct {
	Event     string             `json:"event"`
	SessionID string             `json:"session_id"`
	State     core.DetailedState `json:"state,omitempty"`
	PrevState core.DetailedState `json:"prev_state,omitempty"`
	ExitCode  *int               `json:"exit_code,omitempty"`
	TsMS      int64              `json:"ts_ms"`
}

// Handle forwards state changes and exits; attach with
// supervisor.AddListener(n.Handle).
func (n *Notifier) Handle(ev core.Event) {
	if n == nil || n.url == "" {
		return
	}
	var p payload
	switch ev.Type {
	case core.EventStateChange:
		p = payload{Event: "state_change", SessionID: ev.SessionID, State: ev.NewState, PrevState: ev.PrevState}
	case core.EventExit:
		p = payload{Event: "exit", SessionID: ev.SessionID, ExitCode: ev.ExitCode}
	default:
		return
	}
	p.TsMS = time.Now().UnixMilli()
	go n.post(p)
}

func (n *Notifier) post(p payload) {
	body, err := json.Marshal(p)
	if err != nil {
		return
	}
	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Warn("webhook delivery failed", "err", err)
		return
	}
	_ = resp.Body.Close()
}
