// Package export delivers finished run records to their destinations:
// structured logs, JSON lines, the signed ledger and PostgreSQL.
package export

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"pullci/internal/blockchain"
	"pullci/internal/core"
	"pullci/pkg/utils"
)

// Sink receives every finished run record.
type Sink interface {
	Export(ctx context.Context, rec *core.RunRecord) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec *core.RunRecord) error

func (f SinkFunc) Export(ctx context.Context, rec *core.RunRecord) error { return f(ctx, rec) }

// Multi exports to every sink and joins their errors.
type Multi []Sink

func (m Multi) Export(ctx context.Context, rec *core.RunRecord) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Export(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes one log line per step and one summary line per run.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Export(ctx context.Context, rec *core.RunRecord) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run", rec.ID, "pipeline", rec.Pipeline)
	for _, r := range rec.Results {
		level := slog.LevelInfo
		if r.Status != core.StatusSucceeded {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "Step result", "step", r.StepName, "handler", r.Handler,
			"status", r.Status, "code", r.ExitInfo.Code, "message", r.ExitInfo.Message,
			"elapsed", r.Duration)
	}
	logger.Info("Run result", "event", rec.Event.Kind, "status", rec.Status,
		"steps", len(rec.Results), "skipped", rec.Skipped, "elapsed", rec.Duration())
	return nil
}

// JSONLSink writes one JSON object per run.
type JSONLSink struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// NewJSONLSink writes to w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

// OpenJSONLFile appends to the file at path, creating it if needed.
func OpenJSONLFile(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run export file: %w", err)
	}
	return &JSONLSink{w: f, c: f}, nil
}

func (s *JSONLSink) Export(_ context.Context, rec *core.RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", rec.ID, err)
	}
	data = append(data, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("write run %s: %w", rec.ID, err)
	}
	return nil
}

// Close closes the underlying file, if the sink owns one.
func (s *JSONLSink) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}

// LedgerSink commits one signed block per executed step.
type LedgerSink struct {
	Ledger  *blockchain.Ledger
	Priv    ed25519.PrivateKey
	Pub     ed25519.PublicKey
	AgentID string
}

func (s *LedgerSink) Export(_ context.Context, rec *core.RunRecord) error {
	for _, r := range rec.Results {
		entry, err := s.entry(rec.ID, rec.Pipeline, r)
		if err != nil {
			return err
		}
		if _, err := s.Ledger.Commit(entry, s.Priv, s.Pub); err != nil {
			return fmt.Errorf("ledger commit %s/%s: %w", rec.ID, r.StepName, err)
		}
	}
	return nil
}

func (s *LedgerSink) entry(runID, pipeline string, r core.StepResult) (blockchain.Entry, error) {
	infoHash, err := utils.HashJSON(r.ExitInfo)
	if err != nil {
		return blockchain.Entry{}, fmt.Errorf("hash exit info of %s: %w", r.StepName, err)
	}
	e := blockchain.Entry{
		RunID:    runID,
		Pipeline: pipeline,
		Step:     r.StepName,
		Status:   string(r.Status),
		InfoHash: infoHash,
		LogPath:  r.ExitInfo.LogPath,
		AgentID:  s.AgentID,
	}
	if e.LogPath != "" {
		h, err := utils.HashFile(e.LogPath)
		if err != nil {
			return blockchain.Entry{}, fmt.Errorf("hash log of %s: %w", r.StepName, err)
		}
		e.LogHash = h
	}
	return e, nil
}

// RunSaver is the subset of the PostgreSQL store used by PostgresSink.
type RunSaver interface {
	SaveRun(ctx context.Context, rec *core.RunRecord) error
}

// PostgresSink stores runs through a RunSaver.
type PostgresSink struct {
	Store RunSaver
}

func (s PostgresSink) Export(ctx context.Context, rec *core.RunRecord) error {
	if err := s.Store.SaveRun(ctx, rec); err != nil {
		return fmt.Errorf("store run %s: %w", rec.ID, err)
	}
	return nil
}
