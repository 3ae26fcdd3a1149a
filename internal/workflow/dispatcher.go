// Package workflow dispatches capture input to the external workflow engine
// and relays its asynchronous updates. The engine's graph is opaque here:
// payloads pass through verbatim.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/memoist/core/internal/stt"
)

// Input is one capture event forwarded to the engine.
type Input struct {
	Kind       string `json:"kind"`
	Text       string `json:"text,omitempty"`
	PayloadRef string `json:"payload_ref,omitempty"`
	Offset     int64  `json:"offset,omitempty"`
}

// Update is an opaque step/state payload emitted by the engine.
type Update struct {
	SessionID string
	Payload   json.RawMessage
	At        time.Time
}

// Dispatcher sends session input to the workflow engine fire-and-forget:
// delivery is decoupled from the client connection, so in-flight processing
// continues across disconnects and is never cancelled by the gateway.
type Dispatcher struct {
	url     string
	client  *http.Client
	retry   *stt.RetryPolicy
	updates chan Update
}

// NewDispatcher creates a dispatcher against the engine URL. An empty URL
// disables dispatch (inputs are logged and dropped).
func NewDispatcher(url string, timeout time.Duration, retry *stt.RetryPolicy) *Dispatcher {
	if retry == nil {
		retry = stt.DefaultRetryPolicy()
	}
	return &Dispatcher{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		retry:   retry,
		updates: make(chan Update, 256),
	}
}

type dispatchRequest struct {
	SessionID  string `json:"session_id"`
	WorkflowID string `json:"workflow_id"`
	Input      Input  `json:"input"`
}

// Dispatch forwards input to the engine in the background and returns
// immediately. Failures after retries are logged, not surfaced: the capture
// path must not stall on the engine.
func (d *Dispatcher) Dispatch(sessionID, workflowID string, input Input) {
	if d.url == "" {
		slog.Debug("Workflow engine not configured, dropping input",
			"session_id", sessionID, "kind", input.Kind)
		return
	}

	go func() {
		err := d.retry.Execute(context.Background(), func() error {
			return d.post(dispatchRequest{
				SessionID:  sessionID,
				WorkflowID: workflowID,
				Input:      input,
			})
		})
		if err != nil {
			slog.Error("Workflow dispatch failed after retries",
				"session_id", sessionID, "workflow_id", workflowID,
				"kind", input.Kind, "error", err)
		}
	}()
}

func (d *Dispatcher) post(req dispatchRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal dispatch request: %w", err)
	}

	resp, err := d.client.Post(d.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post to workflow engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("workflow engine returned %d", resp.StatusCode)
	}
	return nil
}

// Deliver enqueues an engine update for relay. Non-blocking: if the relay
// has fallen behind, the oldest pending update is evicted.
func (d *Dispatcher) Deliver(update Update) {
	select {
	case d.updates <- update:
		return
	default:
	}
	select {
	case <-d.updates:
		slog.Warn("Workflow update relay backlogged, evicted oldest",
			"session_id", update.SessionID)
	default:
	}
	select {
	case d.updates <- update:
	default:
	}
}

// Updates returns the stream of engine updates to relay.
func (d *Dispatcher) Updates() <-chan Update {
	return d.updates
}
