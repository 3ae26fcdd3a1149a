package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/memoist/core/internal/blob"
	"github.com/memoist/core/internal/domain"
	"github.com/memoist/core/internal/fanout"
	"github.com/memoist/core/internal/store"
	"github.com/memoist/core/internal/stt"
	"github.com/memoist/core/internal/workflow"
)

// fakeStream records sent audio and lets tests inject transcription results.
type fakeStream struct {
	mu      sync.Mutex
	offsets []int64
	results chan stt.Result
	closed  bool
}

func (f *fakeStream) SendAudio(_ context.Context, _ []byte, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	return nil
}

func (f *fakeStream) Results() <-chan stt.Result { return f.results }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.results)
	}
	return nil
}

func (f *fakeStream) sentOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.offsets...)
}

type fakeRecognizer struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{streams: make(map[string]*fakeStream)}
}

func (r *fakeRecognizer) Start(_ context.Context, sessionID string) (stt.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &fakeStream{results: make(chan stt.Result, 8)}
	r.streams[sessionID] = s
	return s, nil
}

func (r *fakeRecognizer) stream(sessionID string) *fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[sessionID]
}

func newTestService(t *testing.T, recognizer stt.Recognizer, cfg Config) *Service {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "memoist.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	blobs, err := blob.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if cfg.DisconnectGrace == 0 {
		cfg.DisconnectGrace = 50 * time.Millisecond
	}
	dispatcher := workflow.NewDispatcher("", time.Second, nil)
	return NewService(repo, fanout.NewBus(64), recognizer, dispatcher, blobs, cfg)
}

func initTestSession(t *testing.T, svc *Service, id string) *domain.Session {
	t.Helper()
	sess, err := svc.InitSession(context.Background(), &InitSession{
		SessionID:    id,
		WorkflowID:   "wf-1",
		WorkflowType: "meeting_notes",
	}, domain.OriginDesktopClient)
	if err != nil {
		t.Fatalf("InitSession: %v", err)
	}
	return sess
}

func waitForEvent(t *testing.T, sub *fanout.Subscription, kind string) fanout.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestInitSession(t *testing.T) {
	svc := newTestService(t, newFakeRecognizer(), Config{})
	sess := initTestSession(t, svc, "")

	if sess.ID == "" {
		t.Fatal("no session id allocated")
	}
	if sess.State != domain.StateActive {
		t.Fatalf("state = %s, want active", sess.State)
	}

	got, err := svc.Repo().GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.WorkflowID != "wf-1" {
		t.Errorf("workflow_id = %s", got.WorkflowID)
	}
}

func TestInitSession_ExplicitIDConflict(t *testing.T) {
	svc := newTestService(t, newFakeRecognizer(), Config{})
	initTestSession(t, svc, "client-chosen")

	_, err := svc.InitSession(context.Background(), &InitSession{
		SessionID:    "client-chosen",
		WorkflowID:   "wf-other",
		WorkflowType: "diary",
	}, domain.OriginDesktopClient)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate init = %v, want ErrConflict", err)
	}

	// Existing session untouched.
	got, err := svc.Repo().GetSession(context.Background(), "client-chosen")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.WorkflowID != "wf-1" || got.WorkflowType != domain.WorkflowMeetingNotes {
		t.Errorf("existing session mutated: %+v", got)
	}
}

func TestInitSession_Validation(t *testing.T) {
	svc := newTestService(t, newFakeRecognizer(), Config{})
	ctx := context.Background()

	_, err := svc.InitSession(ctx, &InitSession{WorkflowID: "wf-1", WorkflowType: "nope"}, domain.OriginDesktopClient)
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("bad workflow_type = %v, want ErrValidation", err)
	}

	_, err = svc.InitSession(ctx, &InitSession{WorkflowType: "diary"}, domain.OriginDesktopClient)
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("missing workflow_id = %v, want ErrValidation", err)
	}
}

func TestEndSession_RejectsFurtherMessages(t *testing.T) {
	svc := newTestService(t, newFakeRecognizer(), Config{})
	sess := initTestSession(t, svc, "")
	ctx := context.Background()

	if err := svc.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	if _, err := svc.IngestAudio(ctx, sess.ID, []byte("x"), 0); !errors.Is(err, domain.ErrSessionCompleted) {
		t.Errorf("IngestAudio after end = %v, want ErrSessionCompleted", err)
	}
	if _, err := svc.Screenshot(ctx, sess.ID, []byte("img")); !errors.Is(err, domain.ErrSessionCompleted) {
		t.Errorf("Screenshot after end = %v, want ErrSessionCompleted", err)
	}
	if err := svc.EndSession(ctx, sess.ID); !errors.Is(err, domain.ErrSessionCompleted) {
		t.Errorf("second EndSession = %v, want ErrSessionCompleted", err)
	}
	if _, err := svc.Resume(ctx, sess.ID); !errors.Is(err, domain.ErrSessionCompleted) {
		t.Errorf("Resume after end = %v, want ErrSessionCompleted", err)
	}

	got, err := svc.Repo().GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != domain.StateCompleted {
		t.Errorf("state = %s, want completed (terminal)", got.State)
	}
}

func TestIngestAudio_ForwardsAndDedupes(t *testing.T) {
	recognizer := newFakeRecognizer()
	svc := newTestService(t, recognizer, Config{})
	sess := initTestSession(t, svc, "")
	ctx := context.Background()

	accepted, err := svc.IngestAudio(ctx, sess.ID, []byte("chunk-0"), 0)
	if err != nil || !accepted {
		t.Fatalf("IngestAudio(0) = %v/%v, want accepted", accepted, err)
	}
	accepted, err = svc.IngestAudio(ctx, sess.ID, []byte("chunk-1"), 500)
	if err != nil || !accepted {
		t.Fatalf("IngestAudio(500) = %v/%v, want accepted", accepted, err)
	}

	// Replayed chunk after a resume: dropped, not reprocessed.
	accepted, err = svc.IngestAudio(ctx, sess.ID, []byte("chunk-1"), 500)
	if err != nil {
		t.Fatalf("IngestAudio(replay) error: %v", err)
	}
	if accepted {
		t.Fatal("replayed chunk was not deduplicated")
	}

	offsets := recognizer.stream(sess.ID).sentOffsets()
	if len(offsets) != 2 || offsets[0] != 0 || offsets[1] != 500 {
		t.Fatalf("adapter saw offsets %v, want [0 500]", offsets)
	}
}

func TestTranscriptResultsArePersistedAndPublished(t *testing.T) {
	recognizer := newFakeRecognizer()
	svc := newTestService(t, recognizer, Config{})
	sess := initTestSession(t, svc, "")
	ctx := context.Background()

	sub := svc.Bus().Subscribe(sess.ID)
	defer svc.Bus().Unsubscribe(sess.ID, sub)

	if _, err := svc.IngestAudio(ctx, sess.ID, []byte("chunk"), 0); err != nil {
		t.Fatalf("IngestAudio: %v", err)
	}

	stream := recognizer.stream(sess.ID)
	stream.results <- stt.Result{StartOffset: 0, EndOffset: 800, Text: "hello wor", Final: false}
	stream.results <- stt.Result{StartOffset: 0, EndOffset: 1000, Text: "hello world", Final: true}

	partial := waitForEvent(t, sub, MsgTranscriptPartial)
	if tr := partial.Payload.(Transcript); tr.Text != "hello wor" {
		t.Errorf("partial = %+v", tr)
	}
	final := waitForEvent(t, sub, MsgTranscriptFinal)
	if tr := final.Payload.(Transcript); tr.Text != "hello world" {
		t.Errorf("final = %+v", tr)
	}

	// The final superseded the partial in the durable transcript.
	deadline := time.Now().Add(2 * time.Second)
	for {
		frags, err := svc.Repo().ListFragments(ctx, sess.ID)
		if err != nil {
			t.Fatalf("ListFragments: %v", err)
		}
		if len(frags) == 1 && frags[0].Final {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fragments = %+v, want single final", frags)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDisconnectGraceThenReconnect(t *testing.T) {
	svc := newTestService(t, newFakeRecognizer(), Config{DisconnectGrace: 30 * time.Millisecond})
	sess := initTestSession(t, svc, "")
	ctx := context.Background()

	sub := svc.Bus().Subscribe(sess.ID)
	defer func() { svc.Bus().Unsubscribe(sess.ID, sub) }()

	svc.ConnectionLost(sess.ID)

	ev := waitForEvent(t, sub, MsgSessionStatus)
	if status := ev.Payload.(SessionStatus); status.State != string(domain.StateDisconn) {
		t.Fatalf("status after grace = %s, want disconnected", status.State)
	}

	info, err := svc.Reconnect(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if info.Session.State != domain.StateActive {
		t.Fatalf("state after reconnect = %s, want active", info.Session.State)
	}

	ev = waitForEvent(t, sub, MsgSessionStatus)
	if status := ev.Payload.(SessionStatus); status.State != string(domain.StateActive) {
		t.Fatalf("status after reconnect = %s, want active", status.State)
	}

	if err := svc.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	ev = waitForEvent(t, sub, MsgSessionStatus)
	if status := ev.Payload.(SessionStatus); status.State != string(domain.StateCompleted) {
		t.Fatalf("status after end = %s, want completed", status.State)
	}
}

func TestGraceTimerCancelledWhileRebindHoldsLock(t *testing.T) {
	svc := newTestService(t, newFakeRecognizer(), Config{DisconnectGrace: 10 * time.Millisecond})
	sess := initTestSession(t, svc, "")
	ctx := context.Background()

	// An in-flight rebind holds the session lock when the grace timer
	// fires, so the callback is already running when the rebind cancels
	// the timer. The stale callback must not disconnect the session.
	unlock := svc.locks.Lock(sess.ID)
	svc.ConnectionLost(sess.ID)
	time.Sleep(50 * time.Millisecond)
	svc.cancelGrace(sess.ID)
	unlock()

	time.Sleep(50 * time.Millisecond)
	got, err := svc.Repo().GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != domain.StateActive {
		t.Fatalf("state = %s, want active (stale grace callback must yield to rebind)", got.State)
	}

	// A fresh connection loss still works after the stale callback.
	svc.ConnectionLost(sess.ID)
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err = svc.Repo().GetSession(ctx, sess.ID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.State == domain.StateDisconn {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("fresh grace timer never disconnected the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIngestAndScreenshotSerializeWithLifecycle(t *testing.T) {
	svc := newTestService(t, newFakeRecognizer(), Config{})
	sess := initTestSession(t, svc, "")
	ctx := context.Background()

	// While the session lock is held (as end_session does), ingestion must
	// wait instead of racing the completed-state check.
	unlock := svc.locks.Lock(sess.ID)

	type ingestResult struct {
		accepted bool
		err      error
	}
	audioDone := make(chan ingestResult, 1)
	go func() {
		accepted, err := svc.IngestAudio(ctx, sess.ID, []byte("chunk"), 0)
		audioDone <- ingestResult{accepted, err}
	}()
	screenDone := make(chan error, 1)
	go func() {
		_, err := svc.Screenshot(ctx, sess.ID, []byte("img"))
		screenDone <- err
	}()

	select {
	case <-audioDone:
		t.Fatal("IngestAudio ran while the session lock was held")
	case <-screenDone:
		t.Fatal("Screenshot ran while the session lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case res := <-audioDone:
		if res.err != nil || !res.accepted {
			t.Fatalf("IngestAudio after unlock = %v/%v, want accepted", res.accepted, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("IngestAudio never completed")
	}
	select {
	case err := <-screenDone:
		if err != nil {
			t.Fatalf("Screenshot after unlock: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Screenshot never completed")
	}
}

func TestResumeCancelsGraceTimer(t *testing.T) {
	svc := newTestService(t, newFakeRecognizer(), Config{DisconnectGrace: 40 * time.Millisecond})
	sess := initTestSession(t, svc, "")
	ctx := context.Background()

	svc.ConnectionLost(sess.ID)

	// Resume within the grace window: the session never flaps.
	if _, err := svc.Resume(ctx, sess.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	got, err := svc.Repo().GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != domain.StateActive {
		t.Fatalf("state = %s, want active (grace timer cancelled)", got.State)
	}
}

func TestResumeReplayWindow(t *testing.T) {
	svc := newTestService(t, newFakeRecognizer(), Config{ResumeReplayWindow: 2 * time.Second})
	sess := initTestSession(t, svc, "")
	ctx := context.Background()

	if _, err := svc.IngestAudio(ctx, sess.ID, []byte("x"), 5000); err != nil {
		t.Fatalf("IngestAudio: %v", err)
	}

	info, err := svc.Resume(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if info.HighWater != 5000 {
		t.Errorf("HighWater = %d, want 5000", info.HighWater)
	}
	if info.ReplayFrom != 3000 {
		t.Errorf("ReplayFrom = %d, want 3000 (high water minus window)", info.ReplayFrom)
	}
}

func TestConcurrentResume_Converges(t *testing.T) {
	svc := newTestService(t, newFakeRecognizer(), Config{DisconnectGrace: 10 * time.Millisecond})
	sess := initTestSession(t, svc, "")
	ctx := context.Background()

	svc.ConnectionLost(sess.ID)
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := svc.Repo().GetSession(ctx, sess.ID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.State == domain.StateDisconn {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never disconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Resume(ctx, sess.ID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("resume %d = %v", i, err)
		}
	}

	got, err := svc.Repo().GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != domain.StateActive {
		t.Fatalf("state = %s, want active", got.State)
	}
}

func TestScreenshot(t *testing.T) {
	svc := newTestService(t, newFakeRecognizer(), Config{})
	sess := initTestSession(t, svc, "")
	ctx := context.Background()

	sub := svc.Bus().Subscribe(sess.ID)
	defer svc.Bus().Unsubscribe(sess.ID, sub)

	ref, err := svc.Screenshot(ctx, sess.ID, []byte("png-bytes"))
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if ref == "" {
		t.Fatal("no payload reference returned")
	}

	ev := waitForEvent(t, sub, MsgScreenCaptureReceived)
	if payload := ev.Payload.(ScreenCaptureReceived); payload.Ref != ref {
		t.Errorf("published ref = %s, want %s", payload.Ref, ref)
	}

	events, err := svc.Repo().ListEvents(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var found bool
	for _, ev := range events {
		if ev.Type == domain.CaptureScreenshot && ev.PayloadRef == ref {
			found = true
		}
	}
	if !found {
		t.Fatalf("no screenshot capture event recorded, events = %+v", events)
	}
}

func TestAdapterUnavailableSurfaces(t *testing.T) {
	svc := newTestService(t, stt.Unconfigured{}, Config{})
	sess := initTestSession(t, svc, "")

	_, err := svc.IngestAudio(context.Background(), sess.ID, []byte("x"), 0)
	if !errors.Is(err, domain.ErrAdapterUnavailable) {
		t.Fatalf("IngestAudio = %v, want ErrAdapterUnavailable", err)
	}
}

func TestWorkflowRelay_PersistsAndPublishes(t *testing.T) {
	svc := newTestService(t, newFakeRecognizer(), Config{})
	sess := initTestSession(t, svc, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.RunWorkflowRelay(ctx)

	sub := svc.Bus().Subscribe(sess.ID)
	defer svc.Bus().Unsubscribe(sess.ID, sub)

	svc.dispatcher.Deliver(workflow.Update{
		SessionID: sess.ID,
		Payload:   []byte(`{"step":"summarize","state":"running"}`),
		At:        time.Now(),
	})

	ev := waitForEvent(t, sub, MsgWorkflowUpdate)
	update := ev.Payload.(WorkflowUpdate)
	if string(update.Payload) != `{"step":"summarize","state":"running"}` {
		t.Errorf("relayed payload = %s", update.Payload)
	}

	// Persisted-but-unsent: the update is durable even with no subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for {
		events, err := svc.Repo().ListEvents(context.Background(), sess.ID)
		if err != nil {
			t.Fatalf("ListEvents: %v", err)
		}
		var found bool
		for _, ev := range events {
			if ev.Type == domain.CaptureWorkflowUpdate {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("workflow update never recorded as capture event")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAbandonSweep_FinalizesStaleSessions(t *testing.T) {
	svc := newTestService(t, newFakeRecognizer(), Config{
		DisconnectGrace: 10 * time.Millisecond,
		AbandonAfter:    20 * time.Millisecond,
	})
	sess := initTestSession(t, svc, "")
	ctx := context.Background()

	if _, err := svc.Repo().Transition(ctx, sess.ID, domain.EventDisconnect); err != nil {
		t.Fatalf("Transition(disconnect): %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	svc.sweepAbandoned(ctx)

	got, err := svc.Repo().GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != domain.StateCompleted {
		t.Fatalf("state = %s, want completed (administrative finalization)", got.State)
	}
}

func TestSweepDisabled_LeavesSessionsDisconnected(t *testing.T) {
	svc := newTestService(t, newFakeRecognizer(), Config{DisconnectGrace: 10 * time.Millisecond})
	sess := initTestSession(t, svc, "")
	ctx := context.Background()

	if _, err := svc.Repo().Transition(ctx, sess.ID, domain.EventDisconnect); err != nil {
		t.Fatalf("Transition(disconnect): %v", err)
	}

	// AbandonAfter is zero: a never-reconnected session stays disconnected.
	svc.sweepAbandoned(ctx)
	got, err := svc.Repo().GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != domain.StateDisconn {
		t.Fatalf("state = %s, want disconnected", got.State)
	}
}
