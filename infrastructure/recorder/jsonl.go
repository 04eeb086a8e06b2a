// Package recorder persists TrialRecords to append-only sinks.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

// Sink names used in RecorderError.
const (
	SinkJSONL    = "jsonl"
	SinkNATS     = "nats"
	SinkRedis    = "redis"
	SinkPostgres = "postgres"
)

// JSONLRecorder appends one JSON object per line. Each record is written
// with a single Write under the mutex, so lines from concurrent trials
// never interleave.
type JSONLRecorder struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

var _ ports.TrialRecorder = (*JSONLRecorder)(nil)

// JSONLConfig configures the rotating trial file.
type JSONLConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// NewJSONLRecorder opens a size-rotated JSONL file. Rotation happens
// between records, never inside one.
func NewJSONLRecorder(cfg JSONLConfig) *JSONLRecorder {
	return NewWriterRecorder(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	})
}

// NewWriterRecorder records to w. Close closes w.
func NewWriterRecorder(w io.WriteCloser) *JSONLRecorder {
	return &JSONLRecorder{w: w}
}

// Record appends the record as one JSON line. It fails with
// ports.ErrRecorderClosed after Close.
func (r *JSONLRecorder) Record(_ context.Context, record domain.TrialRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return ports.NewRecorderError(SinkJSONL, record.TrialID, fmt.Errorf("marshal: %w", err))
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ports.NewRecorderError(SinkJSONL, record.TrialID, ports.ErrRecorderClosed)
	}
	if _, err := r.w.Write(line); err != nil {
		return ports.NewRecorderError(SinkJSONL, record.TrialID, err)
	}
	return nil
}

// Close is idempotent.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.w.Close()
}
