package workflow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/memoist/core/internal/stt"
)

func TestDispatchPostsInput(t *testing.T) {
	received := make(chan dispatchRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode dispatch body: %v", err)
		}
		received <- req
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, time.Second, nil)
	d.Dispatch("s1", "wf-1", Input{Kind: "transcript_final", Text: "hello", Offset: 1200})

	select {
	case req := <-received:
		if req.SessionID != "s1" || req.WorkflowID != "wf-1" {
			t.Errorf("dispatch request = %+v", req)
		}
		if req.Input.Text != "hello" {
			t.Errorf("input text = %q, want hello", req.Input.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine never received the dispatch")
	}
}

func TestDispatchRetriesOnFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	retry := &stt.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	d := NewDispatcher(srv.URL, time.Second, retry)
	d.Dispatch("s1", "wf-1", Input{Kind: "trigger"})

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("calls = %d, want 2 (one retry)", calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatchUnconfiguredIsNoop(t *testing.T) {
	d := NewDispatcher("", time.Second, nil)
	// Must not panic or block.
	d.Dispatch("s1", "wf-1", Input{Kind: "trigger"})
}

func TestDeliverEvictsOldestWhenBacklogged(t *testing.T) {
	d := NewDispatcher("", time.Second, nil)
	d.updates = make(chan Update, 1)

	d.Deliver(Update{SessionID: "old"})
	d.Deliver(Update{SessionID: "new"})

	select {
	case u := <-d.Updates():
		if u.SessionID != "new" {
			t.Fatalf("surviving update = %s, want new", u.SessionID)
		}
	default:
		t.Fatal("no update queued")
	}
}
