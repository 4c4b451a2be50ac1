package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neobase-ai/neobase-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Stream is the transport of a chat's event feed. It holds at most one live connection at a time and
// keeps the same stream id across reconnects, so that the backend keeps routing a chat's events to it.
type Stream struct {
	api    NeoBase
	client *http.Client
	logger *slog.Logger

	grace time.Duration
	retry time.Duration

	// openMu serializes Open calls; mu guards the fields below.
	openMu sync.Mutex
	mu     sync.Mutex

	streamID string
	chatID   string
	live     bool
	cancel   context.CancelFunc
	done     chan struct{}
}

var errStreamEnded = errors.New("stream ended by server")

const errLoggerKey = "err"

// NewStream creates a transport for the given API. grace is waited between closing a previous connection and
// opening the next one; retry is waited before reconnecting after a transport error.
func NewStream(api NeoBase, grace, retry time.Duration, logger *slog.Logger) *Stream {
	return &Stream{
		api: api,
		// The feed is long-lived, so the client has no overall timeout.
		client: &http.Client{},
		logger: logger.With(slog.String("module", "stream")),
		grace:  grace,
		retry:  retry,
	}
}

// SetStreamID seeds the stream id, typically with the one persisted by a previous run. It has no effect once
// an id is held.
func (s *Stream) SetStreamID(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streamID == "" {
		s.streamID = streamID
	}
}

// StreamID returns the id sent along every send, execute, rollback and cancel call, or an empty string if no
// stream was opened yet.
func (s *Stream) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.streamID
}

// IsOpen reports whether the transport currently holds a live connection.
func (s *Stream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.live
}

// Open closes any previous connection, waits for the grace period, and connects to the event feed of chatID.
// Events are delivered to handler one at a time, in arrival order, from a single reader goroutine that
// reconnects with the same stream id after transport errors until Close is called.
//
// Open returns once the first connection is established. If it cannot be, the error is returned and no
// reader is left running.
func (s *Stream) Open(ctx context.Context, chatID string, handler models.StreamHandler) (string, error) {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.Close()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(s.grace):
	}

	s.mu.Lock()
	if s.streamID == "" {
		s.streamID = uuid.New().String()
	}
	streamID := s.streamID
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	// Cancelling the caller's context aborts the dial, but not the feed once it is established.
	stop := context.AfterFunc(ctx, cancel)
	resp, err := s.connect(runCtx, chatID, streamID)
	stop()
	if err != nil {
		cancel()
		s.logger.Error("Failed to open stream",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		handler.StreamFailed(chatID, err)
		return "", err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.chatID = chatID
	s.live = true
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.logger.Info("Stream opened", slog.String("chatID", chatID), slog.String("streamID", streamID))
	handler.StreamOpened(chatID)

	go s.read(runCtx, done, chatID, streamID, resp, handler)

	return streamID, nil
}

// Close tears down the current connection and waits for the reader to exit. No event is delivered after
// Close returns. Calling Close without an open connection does nothing.
func (s *Stream) Close() {
	s.mu.Lock()
	cancel, done, chatID := s.cancel, s.done, s.chatID
	s.cancel = nil
	s.done = nil
	s.chatID = ""
	s.live = false
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.logger.Info("Stream closed", slog.String("chatID", chatID))
}

func (s *Stream) connect(ctx context.Context, chatID, streamID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.api.StreamURL(chatID, streamID), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	s.api.Authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	return resp, nil
}

func (s *Stream) read(
	ctx context.Context,
	done chan struct{},
	chatID, streamID string,
	resp *http.Response,
	handler models.StreamHandler,
) {
	defer close(done)

	for {
		err := s.consume(ctx, chatID, resp.Body, handler)
		resp.Body.Close()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errStreamEnded
		}

		s.setLive(done, false)
		s.logger.Warn("Stream interrupted",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		handler.StreamFailed(chatID, err)

		resp = s.reconnect(ctx, chatID, streamID, handler)
		if resp == nil {
			return
		}
		s.setLive(done, true)
		s.logger.Info("Stream reconnected", slog.String("chatID", chatID), slog.String("streamID", streamID))
		handler.StreamOpened(chatID)
	}
}

// reconnect retries until a connection is established or ctx is cancelled, in which case it returns nil.
func (s *Stream) reconnect(
	ctx context.Context,
	chatID, streamID string,
	handler models.StreamHandler,
) *http.Response {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.retry):
		}

		resp, err := s.connect(ctx, chatID, streamID)
		if err == nil {
			return resp
		}
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("Failed to reconnect stream",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		handler.StreamFailed(chatID, err)
	}
}

func (s *Stream) consume(ctx context.Context, chatID string, body io.Reader, handler models.StreamHandler) error {
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("error reading stream: %w", err)
		}
		if ev.Data == "" {
			continue
		}

		var se models.StreamEvent
		if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
			s.logger.Warn("Dropping malformed stream event",
				slog.String("chatID", chatID),
				slog.String("data", ev.Data),
				slog.String(errLoggerKey, err.Error()))
			continue
		}

		s.logger.Debug("Stream event", slog.String("chatID", chatID), slog.String("event", string(se.Event)))
		handler.HandleEvent(ctx, chatID, se)

		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (s *Stream) setLive(done chan struct{}, live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A closed or replaced connection no longer owns the flag.
	if s.done == done {
		s.live = live
	}
}
