package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Subscriber maintains a single websocket connection to the PBX event
// stream and dispatches decoded Events to a single handler, one at a time,
// in arrival order. Events are never fanned out to worker goroutines here:
// per spec.md's Design Notes, the same channel's events must never be
// processed out of order or concurrently, so a lone dispatch goroutine is
// the simplest thing that guarantees that.
type Subscriber struct {
	wsURL    string
	username string
	password string
	appName  string
	logger   *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewSubscriber builds a Subscriber. wsBaseURL is the ws(s):// base of the
// PBX's event endpoint (e.g. "ws://pbx:8088/ari/events").
func NewSubscriber(wsBaseURL, username, password, appName string, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		wsURL:      wsBaseURL,
		username:   username,
		password:   password,
		appName:    appName,
		logger:     logger.With("component", "telephony_subscriber"),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run connects and redelivers events to handle until ctx is cancelled,
// reconnecting with bounded exponential backoff on any read or dial error.
func (s *Subscriber) Run(ctx context.Context, handle func(Event)) error {
	backoff := s.minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		connectedAt := time.Now()
		err := s.runOnce(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(connectedAt) > s.maxBackoff {
			backoff = s.minBackoff
		}

		s.logger.Warn("event stream disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *Subscriber) runOnce(ctx context.Context, handle func(Event)) error {
	u, err := url.Parse(s.wsURL)
	if err != nil {
		return fmt.Errorf("telephony: parsing event stream url: %w", err)
	}
	q := u.Query()
	q.Set("app", s.appName)
	if s.username != "" {
		q.Set("api_key", s.username+":"+s.password)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("telephony: dialing event stream: %w", err)
	}
	defer conn.Close()

	s.logger.Info("event stream connected")

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = conn.Close()
		close(done)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				<-done
				return ctx.Err()
			}
			return fmt.Errorf("telephony: reading event stream: %w", err)
		}

		var evt Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			s.logger.Error("malformed event payload", "error", err, "raw", truncate(string(raw), 500))
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("event handler panicked", "type", evt.Type, "panic", r)
				}
			}()
			handle(evt)
		}()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
