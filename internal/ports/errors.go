package ports

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheCorrupted means a cached entry could not be decoded.
	ErrCacheCorrupted = errors.New("cached entry is corrupted")

	// ErrRecorderClosed is returned by Record after Close.
	ErrRecorderClosed = errors.New("recorder closed")
)

// CacheError wraps a failed operation of a context cache.
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// NewCacheError wraps err as the failure of op on key.
func NewCacheError(key, op string, err error) *CacheError {
	return &CacheError{Op: op, Key: key, Err: err}
}

// RecorderError reports a trial record that one sink failed to persist.
// MultiRecorder uses Sink to tell primary failures from secondary ones.
type RecorderError struct {
	Sink    string
	TrialID string
	Err     error
}

func (e *RecorderError) Error() string {
	if e.TrialID == "" {
		return fmt.Sprintf("recorder %s: %v", e.Sink, e.Err)
	}
	return fmt.Sprintf("record trial %s to %s: %v", e.TrialID, e.Sink, e.Err)
}

func (e *RecorderError) Unwrap() error { return e.Err }

// NewRecorderError wraps err as sink's failure to persist trialID.
func NewRecorderError(sink, trialID string, err error) *RecorderError {
	return &RecorderError{Sink: sink, TrialID: trialID, Err: err}
}
