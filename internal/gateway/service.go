package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/memoist/core/internal/blob"
	"github.com/memoist/core/internal/domain"
	"github.com/memoist/core/internal/fanout"
	"github.com/memoist/core/internal/store"
	"github.com/memoist/core/internal/stt"
	"github.com/memoist/core/internal/workflow"
)

// Config holds the gateway's protocol timing and concurrency knobs.
type Config struct {
	// DisconnectGrace is how long a dropped connection stays silent before
	// its session transitions to disconnected.
	DisconnectGrace time.Duration

	// AbandonAfter administratively completes sessions disconnected for
	// this long. Zero disables the sweep.
	AbandonAfter time.Duration

	// ResumeReplayWindow bounds the resent-audio window a resume accepts.
	ResumeReplayWindow time.Duration

	// MaxConcurrentTranscribes caps in-flight adapter sends across sessions.
	MaxConcurrentTranscribes int64
}

// Service implements the session protocol: lifecycle transitions, audio
// ingestion, capture events, and disconnect handling. All per-session work
// is serialized by a keyed lock, never a global one.
type Service struct {
	repo       store.Repository
	bus        *fanout.Bus
	recognizer stt.Recognizer
	dispatcher *workflow.Dispatcher
	blobs      blob.Store
	cfg        Config
	locks      *keyedLocks
	sem        *semaphore.Weighted

	mu      sync.Mutex
	streams map[string]*sessionStream
	grace   map[string]*graceTimer
}

// graceTimer is one armed disconnect-grace timer. The entry pointer doubles
// as a generation token: a fired callback only proceeds if its own entry is
// still registered, so a rebind that cancelled it mid-flight wins.
type graceTimer struct {
	timer *time.Timer
}

type sessionStream struct {
	stream     stt.Stream
	workflowID string
}

// NewService wires the gateway service.
func NewService(repo store.Repository, bus *fanout.Bus, recognizer stt.Recognizer,
	dispatcher *workflow.Dispatcher, blobs blob.Store, cfg Config) *Service {
	if cfg.MaxConcurrentTranscribes <= 0 {
		cfg.MaxConcurrentTranscribes = 64
	}
	return &Service{
		repo:       repo,
		bus:        bus,
		recognizer: recognizer,
		dispatcher: dispatcher,
		blobs:      blobs,
		cfg:        cfg,
		locks:      newKeyedLocks(),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentTranscribes),
		streams:    make(map[string]*sessionStream),
		grace:      make(map[string]*graceTimer),
	}
}

// InitSession creates a session and activates it. An explicit identifier
// that collides with an existing session fails with domain.ErrConflict and
// leaves the existing session untouched.
func (s *Service) InitSession(ctx context.Context, init *InitSession, origin domain.Origin) (*domain.Session, error) {
	workflowType := domain.WorkflowType(init.WorkflowType)
	if !domain.ValidWorkflowType(workflowType) {
		return nil, domain.Wrap(domain.ErrValidation, "workflow_type %q", init.WorkflowType)
	}
	if init.WorkflowID == "" {
		return nil, domain.Wrap(domain.ErrValidation, "workflow_id is required")
	}
	if !domain.ValidOrigin(origin) {
		origin = domain.OriginDesktopClient
	}

	id := init.SessionID
	if id == "" {
		id = domain.NewSessionID()
	} else if !domain.ValidSessionID(id) {
		return nil, domain.Wrap(domain.ErrValidation, "session_id %q", id)
	}

	now := time.Now()
	sess := &domain.Session{
		ID:             id,
		WorkflowID:     init.WorkflowID,
		WorkflowType:   workflowType,
		State:          domain.StateActive,
		Origin:         origin,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	s.recordLifecycle(ctx, id, domain.StateActive)
	s.bus.Publish(fanout.Event{
		SessionID: id,
		Kind:      MsgSessionStatus,
		Payload:   NewSessionStatus(id, domain.StateActive),
		At:        now,
	})
	s.dispatcher.Dispatch(id, sess.WorkflowID, workflow.Input{Kind: "session_started"})

	slog.Info("Session initialized", "session_id", id, "workflow_id", sess.WorkflowID,
		"workflow_type", workflowType, "origin", origin)
	return sess, nil
}

// ResumeInfo is the metadata returned to a resuming client.
type ResumeInfo struct {
	Session *domain.Session

	// HighWater is the largest audio offset already ingested; resent
	// chunks at or below it are deduplicated.
	HighWater int64

	// ReplayFrom is the offset the client should resend audio from to
	// cover the disconnect gap, bounded by the replay window.
	ReplayFrom int64
}

// Resume rebinds a client to its session after a short transient disconnect.
// The client may resend the last moments of audio; dedup by offset keeps the
// transcript free of duplicates.
func (s *Service) Resume(ctx context.Context, sessionID string) (*ResumeInfo, error) {
	return s.rebind(ctx, sessionID, domain.EventResume, s.cfg.ResumeReplayWindow)
}

// Reconnect rebinds after a full client restart. Capture continues from the
// current wall-clock point; no audio backfill is assumed.
func (s *Service) Reconnect(ctx context.Context, sessionID string) (*ResumeInfo, error) {
	return s.rebind(ctx, sessionID, domain.EventReconnect, 0)
}

func (s *Service) rebind(ctx context.Context, sessionID string, event domain.TransitionEvent, replayWindow time.Duration) (*ResumeInfo, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	s.cancelGrace(sessionID)

	state, err := s.repo.Transition(ctx, sessionID, event)
	if err != nil {
		return nil, err
	}

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	highWater, err := s.repo.HighestAudioOffset(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s.bus.Publish(fanout.Event{
		SessionID: sessionID,
		Kind:      MsgSessionStatus,
		Payload:   NewSessionStatus(sessionID, state),
		At:        time.Now(),
	})

	replayFrom := highWater
	if replayWindow > 0 {
		replayFrom = highWater - replayWindow.Milliseconds()
		if replayFrom < 0 {
			replayFrom = 0
		}
	}

	slog.Info("Session rebound", "session_id", sessionID, "event", event,
		"state", state, "high_water", highWater)
	return &ResumeInfo{Session: sess, HighWater: highWater, ReplayFrom: replayFrom}, nil
}

// EndSession completes the session. No further inbound messages are accepted
// for it on any connection. Already-dispatched workflow work is not cancelled.
func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	s.cancelGrace(sessionID)

	state, err := s.repo.Transition(ctx, sessionID, domain.EventEnd)
	if err != nil {
		return err
	}

	s.recordLifecycle(ctx, sessionID, state)
	s.bus.Publish(fanout.Event{
		SessionID: sessionID,
		Kind:      MsgSessionStatus,
		Payload:   NewSessionStatus(sessionID, state),
		At:        time.Now(),
	})
	s.closeStream(sessionID)
	s.bus.CloseSession(sessionID)

	if sess, err := s.repo.GetSession(ctx, sessionID); err == nil {
		s.dispatcher.Dispatch(sessionID, sess.WorkflowID, workflow.Input{Kind: "session_ended"})
	}

	slog.Info("Session completed", "session_id", sessionID)
	return nil
}

// IngestAudio forwards one audio chunk to the transcription adapter.
// Returns false without error when the chunk is a resume replay the session
// already ingested (dedup by offset). The adapter call may block on backend
// I/O; the semaphore bounds total in-flight sends, and per-session locking
// keeps one session's stall from spreading.
func (s *Service) IngestAudio(ctx context.Context, sessionID string, chunk []byte, offset int64) (bool, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.Completed() {
		return false, domain.Wrap(domain.ErrSessionCompleted, "session %s", sessionID)
	}

	highWater, err := s.repo.HighestAudioOffset(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if offset <= highWater {
		// Resent audio covering the disconnect gap: already processed.
		slog.Debug("Deduplicated replayed audio chunk",
			"session_id", sessionID, "offset", offset, "high_water", highWater)
		return false, nil
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer s.sem.Release(1)

	stream, err := s.ensureStream(ctx, sessionID, sess.WorkflowID)
	if err != nil {
		return false, err
	}
	if err := stream.SendAudio(ctx, chunk, offset); err != nil {
		// Drop the broken stream so the next chunk redials.
		s.closeStream(sessionID)
		return false, err
	}

	if err := s.repo.AdvanceAudioOffset(ctx, sessionID, offset); err != nil {
		return false, err
	}
	if err := s.repo.TouchActivity(ctx, sessionID, time.Now()); err != nil {
		slog.Warn("Failed to touch session activity", "session_id", sessionID, "error", err)
	}
	return true, nil
}

// Screenshot persists the image, records a capture event, and publishes
// screen_capture_received for downstream consumers.
func (s *Service) Screenshot(ctx context.Context, sessionID string, image []byte) (string, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Completed() {
		return "", domain.Wrap(domain.ErrSessionCompleted, "session %s", sessionID)
	}

	ref, err := s.blobs.Put(ctx, sessionID, image)
	if err != nil {
		return "", err
	}

	now := time.Now()
	event := &domain.CaptureEvent{
		ID:         domain.NewEventID(),
		SessionID:  sessionID,
		Type:       domain.CaptureScreenshot,
		PayloadRef: ref,
		CreatedAt:  now,
	}
	if err := s.repo.RecordEvent(ctx, event); err != nil {
		return "", err
	}

	s.bus.Publish(fanout.Event{
		SessionID: sessionID,
		Kind:      MsgScreenCaptureReceived,
		Payload:   ScreenCaptureReceived{Type: MsgScreenCaptureReceived, SessionID: sessionID, Ref: ref},
		At:        now,
	})
	s.dispatcher.Dispatch(sessionID, sess.WorkflowID, workflow.Input{
		Kind:       "screen_capture",
		PayloadRef: ref,
	})
	return ref, nil
}

// ConnectionLost starts the liveness grace timer for a session whose
// connection dropped without end_session. If no resume or reconnect arrives
// before it fires, the session transitions to disconnected.
func (s *Service) ConnectionLost(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, pending := s.grace[sessionID]; pending {
		return
	}
	entry := &graceTimer{}
	entry.timer = time.AfterFunc(s.cfg.DisconnectGrace, func() {
		s.markDisconnected(sessionID, entry)
	})
	s.grace[sessionID] = entry
	slog.Debug("Liveness grace timer started", "session_id", sessionID,
		"grace", s.cfg.DisconnectGrace)
}

func (s *Service) markDisconnected(sessionID string, entry *graceTimer) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	// The timer may have fired while a rebind held the session lock and
	// cancelled it; Stop() cannot stop a callback that already started, so
	// currency is re-checked here, after the lock was acquired.
	s.mu.Lock()
	if current, ok := s.grace[sessionID]; !ok || current != entry {
		s.mu.Unlock()
		slog.Debug("Stale grace timer ignored, session rebound", "session_id", sessionID)
		return
	}
	delete(s.grace, sessionID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := s.repo.Transition(ctx, sessionID, domain.EventDisconnect)
	if err != nil {
		// Already resumed, completed, or gone: nothing to do.
		slog.Debug("Grace expiry transition skipped", "session_id", sessionID, "error", err)
		return
	}

	s.closeStream(sessionID)
	s.bus.Publish(fanout.Event{
		SessionID: sessionID,
		Kind:      MsgSessionStatus,
		Payload:   NewSessionStatus(sessionID, state),
		At:        time.Now(),
	})
	slog.Info("Session disconnected after grace period", "session_id", sessionID)
}

func (s *Service) cancelGrace(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.grace[sessionID]; ok {
		entry.timer.Stop()
		delete(s.grace, sessionID)
	}
}

func (s *Service) ensureStream(ctx context.Context, sessionID, workflowID string) (stt.Stream, error) {
	s.mu.Lock()
	if existing, ok := s.streams[sessionID]; ok {
		s.mu.Unlock()
		return existing.stream, nil
	}
	s.mu.Unlock()

	stream, err := s.recognizer.Start(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.streams[sessionID]; ok {
		// Lost the race; keep the first stream.
		s.mu.Unlock()
		_ = stream.Close()
		return existing.stream, nil
	}
	s.streams[sessionID] = &sessionStream{stream: stream, workflowID: workflowID}
	s.mu.Unlock()

	go s.pumpResults(sessionID, workflowID, stream)
	return stream, nil
}

func (s *Service) closeStream(sessionID string) {
	s.mu.Lock()
	entry, ok := s.streams[sessionID]
	delete(s.streams, sessionID)
	s.mu.Unlock()
	if ok {
		_ = entry.stream.Close()
	}
}

// pumpResults drains adapter results for one session: persist, publish, and
// forward finals to the workflow engine.
func (s *Service) pumpResults(sessionID, workflowID string, stream stt.Stream) {
	for result := range stream.Results() {
		frag := &domain.TranscriptFragment{
			SessionID:   sessionID,
			StartOffset: result.StartOffset,
			EndOffset:   result.EndOffset,
			Text:        result.Text,
			Final:       result.Final,
			CreatedAt:   time.Now(),
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.repo.AppendFragment(ctx, frag)
		cancel()
		if err != nil {
			slog.Error("Failed to persist transcript fragment",
				"session_id", sessionID, "error", err)
			continue
		}

		kind := MsgTranscriptPartial
		if frag.Final {
			kind = MsgTranscriptFinal
		}
		s.bus.Publish(fanout.Event{
			SessionID: sessionID,
			Kind:      kind,
			Payload:   NewTranscript(sessionID, frag),
			At:        frag.CreatedAt,
		})

		if frag.Final {
			s.dispatcher.Dispatch(sessionID, workflowID, workflow.Input{
				Kind:   "transcript_final",
				Text:   frag.Text,
				Offset: frag.EndOffset,
			})
		}
	}
}

// RunWorkflowRelay consumes engine updates until ctx ends: each update is
// persisted as a capture event and published to subscribers. Updates for
// disconnected or completed sessions are persisted-but-unsent, never
// discarded.
func (s *Service) RunWorkflowRelay(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-s.dispatcher.Updates():
			s.relayUpdate(ctx, update)
		}
	}
}

func (s *Service) relayUpdate(ctx context.Context, update workflow.Update) {
	ref, err := s.blobs.Put(ctx, update.SessionID, update.Payload)
	if err != nil {
		slog.Error("Failed to persist workflow update payload",
			"session_id", update.SessionID, "error", err)
		return
	}
	event := &domain.CaptureEvent{
		ID:         domain.NewEventID(),
		SessionID:  update.SessionID,
		Type:       domain.CaptureWorkflowUpdate,
		PayloadRef: ref,
		CreatedAt:  update.At,
	}
	if err := s.repo.RecordEvent(ctx, event); err != nil {
		slog.Error("Failed to record workflow update",
			"session_id", update.SessionID, "error", err)
	}

	s.bus.Publish(fanout.Event{
		SessionID: update.SessionID,
		Kind:      MsgWorkflowUpdate,
		Payload: WorkflowUpdate{
			Type:      MsgWorkflowUpdate,
			SessionID: update.SessionID,
			Payload:   update.Payload,
			At:        update.At,
		},
		At: update.At,
	})
}

const abandonSweepInterval = time.Minute

// StartAbandonSweep runs the administrative finalization sweep: sessions
// disconnected longer than AbandonAfter are completed so they do not linger
// open forever. Disabled when AbandonAfter is zero.
func (s *Service) StartAbandonSweep(ctx context.Context) {
	if s.cfg.AbandonAfter <= 0 {
		slog.Info("Abandonment sweep disabled")
		return
	}

	ticker := time.NewTicker(abandonSweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Abandonment sweep started", "abandon_after", s.cfg.AbandonAfter)
		for {
			select {
			case <-ticker.C:
				s.sweepAbandoned(ctx)
			case <-ctx.Done():
				slog.Info("Abandonment sweep shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (s *Service) sweepAbandoned(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.AbandonAfter)
	stale, err := s.repo.ListDisconnectedSince(ctx, cutoff)
	if err != nil {
		slog.Error("Abandonment sweep failed to list sessions", "error", err)
		return
	}
	for _, sess := range stale {
		if err := s.EndSession(ctx, sess.ID); err != nil {
			slog.Warn("Abandonment sweep failed to complete session",
				"session_id", sess.ID, "error", err)
			continue
		}
		slog.Info("Abandoned session finalized", "session_id", sess.ID,
			"last_activity", sess.LastActivityAt)
	}
}

func (s *Service) recordLifecycle(ctx context.Context, sessionID string, state domain.State) {
	event := &domain.CaptureEvent{
		ID:         domain.NewEventID(),
		SessionID:  sessionID,
		Type:       domain.CaptureLifecycle,
		PayloadRef: string(state),
		CreatedAt:  time.Now(),
	}
	if err := s.repo.RecordEvent(ctx, event); err != nil {
		slog.Warn("Failed to record lifecycle event",
			"session_id", sessionID, "state", state, "error", err)
	}
}

// Bus exposes the fan-out for transports and dashboards.
func (s *Service) Bus() *fanout.Bus {
	return s.bus
}

// Repo exposes the session store for read surfaces.
func (s *Service) Repo() store.Repository {
	return s.repo
}
