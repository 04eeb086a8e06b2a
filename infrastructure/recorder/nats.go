package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

// publisher is the part of jetstream.JetStream the recorder uses.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSRecorder publishes each record to a JetStream subject. The trial ID
// is the message ID, so a retried publish is deduplicated by the server.
type NATSRecorder struct {
	nc      *nats.Conn
	js      publisher
	subject string

	mu     sync.Mutex
	closed bool
}

var _ ports.TrialRecorder = (*NATSRecorder)(nil)

// NATSConfig configures NewNATSRecorder.
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string
}

const streamSetupTimeout = 5 * time.Second

// NewNATSRecorder connects and makes sure the stream exists. A failure to
// create the stream is only logged; the stream may be managed elsewhere.
func NewNATSRecorder(cfg NATSConfig, logger *zap.Logger) (*NATSRecorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("concord-recorder"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamSetupTimeout)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	}); err != nil {
		logger.Warn("failed to ensure trial stream",
			zap.String("stream", cfg.Stream), zap.String("subject", cfg.Subject), zap.Error(err))
	}

	return &NATSRecorder{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Record publishes the record with the trial ID as the message ID, so
// JetStream drops redeliveries of the same trial.
func (r *NATSRecorder) Record(ctx context.Context, record domain.TrialRecord) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ports.NewRecorderError(SinkNATS, record.TrialID, ports.ErrRecorderClosed)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return ports.NewRecorderError(SinkNATS, record.TrialID, fmt.Errorf("marshal: %w", err))
	}
	if _, err := r.js.Publish(ctx, r.subject, data, jetstream.WithMsgID(record.TrialID)); err != nil {
		return ports.NewRecorderError(SinkNATS, record.TrialID, fmt.Errorf("publish to %s: %w", r.subject, err))
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (r *NATSRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.nc == nil {
		return nil
	}
	return r.nc.Drain()
}
