package recorder

import (
	"context"
	"errors"
	"sync"

	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

// Sink is a named recorder.
type Sink struct {
	Name     string
	Recorder ports.TrialRecorder
}

// MultiRecorder writes every record to all sinks concurrently. One failing
// sink does not stop the others; failures are joined, each wrapped in a
// RecorderError naming its sink.
type MultiRecorder struct {
	sinks []Sink
}

var _ ports.TrialRecorder = (*MultiRecorder)(nil)

// NewMultiRecorder fans out to sinks in the given order.
func NewMultiRecorder(sinks ...Sink) *MultiRecorder {
	return &MultiRecorder{sinks: sinks}
}

// Sinks returns the sink names.
func (m *MultiRecorder) Sinks() []string {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name
	}
	return names
}

// Record writes to every sink concurrently. Each failure is wrapped in a
// RecorderError naming its sink and the results are joined.
func (m *MultiRecorder) Record(ctx context.Context, record domain.TrialRecord) error {
	errs := make([]error, len(m.sinks))
	var wg sync.WaitGroup
	for i, s := range m.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Recorder.Record(ctx, record); err != nil {
				errs[i] = asRecorderError(s.Name, record.TrialID, err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close closes every sink and joins the failures.
func (m *MultiRecorder) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Recorder.Close(); err != nil {
			errs = append(errs, asRecorderError(s.Name, "", err))
		}
	}
	return errors.Join(errs...)
}

func asRecorderError(sink, trialID string, err error) error {
	var rerr *ports.RecorderError
	if errors.As(err, &rerr) {
		return err
	}
	return ports.NewRecorderError(sink, trialID, err)
}
