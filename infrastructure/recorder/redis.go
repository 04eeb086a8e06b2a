package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

// RedisRecorder appends records to a Redis stream with XADD.
type RedisRecorder struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64

	mu     sync.Mutex
	closed bool
}

var _ ports.TrialRecorder = (*RedisRecorder)(nil)

// NewRedisRecorder records to stream. A positive maxLen trims the stream
// approximately to that many entries. The recorder owns rdb.
func NewRedisRecorder(rdb redis.UniversalClient, stream string, maxLen int64) *RedisRecorder {
	return &RedisRecorder{rdb: rdb, stream: stream, maxLen: maxLen}
}

// streamValues flattens the fields used for filtering without decoding
// the payload.
func streamValues(record domain.TrialRecord, payload []byte) map[string]any {
	quality := "unknown"
	if record.QualityReport != nil {
		quality = "failed"
		if record.QualityReport.Passed {
			quality = "passed"
		}
	}
	return map[string]any{
		"trial_id": record.TrialID,
		"state":    string(record.State),
		"quality":  quality,
		"record":   payload,
	}
}

// Record appends the record to the stream, trimming it approximately to
// the configured length.
func (r *RedisRecorder) Record(ctx context.Context, record domain.TrialRecord) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ports.NewRecorderError(SinkRedis, record.TrialID, ports.ErrRecorderClosed)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return ports.NewRecorderError(SinkRedis, record.TrialID, fmt.Errorf("marshal: %w", err))
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: streamValues(record, payload),
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.rdb.XAdd(ctx, args).Err(); err != nil {
		return ports.NewRecorderError(SinkRedis, record.TrialID, fmt.Errorf("xadd %s: %w", r.stream, err))
	}
	return nil
}

// Close is idempotent.
func (r *RedisRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.rdb.Close()
}
