// Package reporter turns executor lifecycle events into machine-readable
// JSON lines or structured log records.
package reporter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"pullci/internal/core"
)

// JSON writes one JSON object per event to w.
type JSON struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSON(w io.Writer) *JSON {
	return &JSON{enc: json.NewEncoder(w)}
}

func (r *JSON) Report(ev core.RunEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.enc.Encode(ev)
}

// Slog logs each event at debug level, failures at warn.
type Slog struct {
	Logger *slog.Logger
}

func (r Slog) Report(ev core.RunEvent) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	if ev.Type == core.TerminateWithFailure {
		level = slog.LevelWarn
	}
	attrs := []any{"run", ev.RunID, "pipeline", ev.Pipeline}
	if ev.Step != "" {
		attrs = append(attrs, "step", ev.Step, "index", ev.Index)
	}
	if ev.Status != "" {
		attrs = append(attrs, "status", ev.Status)
	}
	if ev.Message != "" {
		attrs = append(attrs, "message", ev.Message)
	}
	logger.Log(context.Background(), level, string(ev.Type), attrs...)
}

// Fanout forwards every event to each reporter in order.
type Fanout []core.Reporter

func (f Fanout) Report(ev core.RunEvent) {
	for _, r := range f {
		if r != nil {
			r.Report(ev)
		}
	}
}

// Discard drops every event.
var Discard core.Reporter = discard{}

type discard struct{}

func (discard) Report(core.RunEvent) {}
