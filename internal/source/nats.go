package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"pullci/internal/core"
)

// EventFunc handles one decoded event and reports what it started.
type EventFunc func(ctx context.Context, ev core.Event) (Summary, error)

// Summary is what a request-reply publisher gets back for its event.
type Summary struct {
	Matched []string     `json:"matched"`
	Queued  bool         `json:"queued"`
	Runs    []RunSummary `json:"runs,omitempty"`
}

// RunSummary identifies one finished run in a Summary.
type RunSummary struct {
	ID       string      `json:"id"`
	Pipeline string      `json:"pipeline"`
	Status   core.Status `json:"status"`
}

// NATSSource subscribes to a subject and forwards each message, decoded
// with DecodeEvent, to Handle. Messages are handled on the subscription's
// goroutine, one at a time.
type NATSSource struct {
	URL     string
	Subject string
	// Queue, when set, joins a queue group so several servers share the
	// subject.
	Queue  string
	Handle EventFunc
	Logger *slog.Logger

	mu     sync.Mutex
	conn   *nats.Conn
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
}

// Start connects and subscribes. Handlers receive a context that is
// cancelled by Stop.
func (s *NATSSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return fmt.Errorf("nats source already started")
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	url := s.URL
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url, nats.Name("pullci"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	var sub *nats.Subscription
	if s.Queue != "" {
		sub, err = conn.QueueSubscribe(s.Subject, s.Queue, s.onMessage)
	} else {
		sub, err = conn.Subscribe(s.Subject, s.onMessage)
	}
	if err != nil {
		s.cancel()
		conn.Close()
		return fmt.Errorf("failed to subscribe to subject %q: %w", s.Subject, err)
	}
	s.conn, s.sub = conn, sub
	s.Logger.Info("NATS source started", "url", url, "subject", s.Subject)
	return nil
}

func (s *NATSSource) onMessage(msg *nats.Msg) {
	sum, err := s.HandleMessage(s.ctx, msg.Data)
	if err != nil {
		s.Logger.Error("Error handling NATS message", "subject", msg.Subject, "error", err)
	}
	if msg.Reply == "" {
		return
	}
	reply, merr := replyBody(sum, err)
	if merr != nil {
		s.Logger.Error("Failed to encode NATS reply", "subject", msg.Subject, "error", merr)
		return
	}
	if rerr := msg.Respond(reply); rerr != nil {
		s.Logger.Warn("Failed to reply to NATS message", "subject", msg.Subject, "error", rerr)
	}
}

// replyBody encodes the dispatch summary, plus the error if there was one.
func replyBody(sum Summary, err error) ([]byte, error) {
	body := struct {
		Summary
		Error string `json:"error,omitempty"`
	}{Summary: sum}
	if body.Matched == nil {
		body.Matched = []string{}
	}
	if err != nil {
		body.Error = err.Error()
	}
	return json.Marshal(body)
}

// HandleMessage decodes one message body and forwards it.
func (s *NATSSource) HandleMessage(ctx context.Context, data []byte) (Summary, error) {
	ev, err := DecodeEvent(data)
	if err != nil {
		return Summary{}, err
	}
	return s.Handle(ctx, ev)
}

// Stop unsubscribes and closes the connection.
func (s *NATSSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	var err error
	if s.sub != nil {
		if err = s.sub.Unsubscribe(); err != nil {
			s.Logger.Error("Failed to unsubscribe", "subject", s.Subject, "error", err)
		}
	}
	s.cancel()
	s.conn.Close()
	s.conn, s.sub = nil, nil
	s.Logger.Info("NATS source stopped")
	return err
}
