package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/memoist/core/internal/domain"
)

// WebsocketRecognizer streams audio to a speech-to-text backend over a
// persistent websocket connection, one connection per session.
type WebsocketRecognizer struct {
	url    string
	apiKey string
	retry  *RetryPolicy
}

// NewWebsocketRecognizer creates a recognizer against the given backend URL.
func NewWebsocketRecognizer(url, apiKey string, retry *RetryPolicy) *WebsocketRecognizer {
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	return &WebsocketRecognizer{url: url, apiKey: apiKey, retry: retry}
}

// wireAudio is an outbound audio frame.
type wireAudio struct {
	Type   string `json:"type"`
	Offset int64  `json:"offset"`
	Audio  string `json:"audio"`
}

// wireResult is an inbound transcription frame.
type wireResult struct {
	Type        string `json:"type"`
	StartOffset int64  `json:"start_offset"`
	EndOffset   int64  `json:"end_offset"`
	Text        string `json:"text"`
	Final       bool   `json:"final"`
}

// Start dials the backend and opens a transcription stream for the session.
// Dial failures are retried with backoff before surfacing as
// domain.ErrAdapterUnavailable.
func (r *WebsocketRecognizer) Start(ctx context.Context, sessionID string) (Stream, error) {
	var conn *websocket.Conn
	err := r.retry.Execute(ctx, func() error {
		headers := http.Header{}
		if r.apiKey != "" {
			headers.Set("Authorization", "Token "+r.apiKey)
		}
		c, _, dialErr := websocket.Dial(ctx, r.url, &websocket.DialOptions{
			HTTPHeader: headers,
		})
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, domain.Wrap(domain.ErrAdapterUnavailable, "dial transcription backend for session %s: %v", sessionID, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &websocketStream{
		sessionID: sessionID,
		conn:      conn,
		results:   make(chan Result, 32),
		ctx:       streamCtx,
		cancel:    cancel,
	}
	go s.readLoop()
	return s, nil
}

type websocketStream struct {
	sessionID string
	conn      *websocket.Conn
	results   chan Result
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// SendAudio forwards one audio chunk to the backend.
func (s *websocketStream) SendAudio(ctx context.Context, chunk []byte, offset int64) error {
	frame := wireAudio{
		Type:   "audio",
		Offset: offset,
		Audio:  base64.StdEncoding.EncodeToString(chunk),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal audio frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return domain.Wrap(domain.ErrAdapterUnavailable, "send audio for session %s: %v", s.sessionID, err)
	}
	return nil
}

// Results returns the inbound transcription channel.
func (s *websocketStream) Results() <-chan Result {
	return s.results
}

// Close tears down the stream and ends the results channel.
func (s *websocketStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

func (s *websocketStream) readLoop() {
	defer close(s.results)
	defer s.Close()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				slog.Warn("Transcription stream read error", "session_id", s.sessionID, "error", err)
			}
			return
		}

		var frame wireResult
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Malformed transcription frame", "session_id", s.sessionID, "error", err)
			continue
		}
		if frame.Type != "transcript" || frame.Text == "" {
			continue
		}

		result := Result{
			StartOffset: frame.StartOffset,
			EndOffset:   frame.EndOffset,
			Text:        frame.Text,
			Final:       frame.Final,
		}
		select {
		case s.results <- result:
		case <-s.ctx.Done():
			return
		}
	}
}
