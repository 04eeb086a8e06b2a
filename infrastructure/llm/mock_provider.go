package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMockFailure is what MockProvider fails with when Err is unset.
var ErrMockFailure = errors.New("mock provider failure")

// MockProvider is a scripted Provider for middleware, client and registry
// tests. Configure it before the first call.
type MockProvider struct {
	Reply Response
	Err   error
	// FailFirst fails that many calls before replying.
	FailFirst int
	// Delay holds each call, honoring ctx.
	Delay     time.Duration
	ModelName string

	mu       sync.Mutex
	requests []Request
}

// NewMockProvider replies "mock reply" with 10 tokens in and 20 out.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Reply:     Response{Text: "mock reply", TokensIn: 10, TokensOut: 20},
		ModelName: "mock-model",
	}
}

func (m *MockProvider) Generate(ctx context.Context, req Request) (Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	n := len(m.requests)
	m.mu.Unlock()

	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}

	failing := (m.Err != nil && m.FailFirst == 0) || n <= m.FailFirst
	if !failing {
		return m.Reply, nil
	}
	if m.Err != nil {
		return Response{}, m.Err
	}
	return Response{}, ErrMockFailure
}

func (m *MockProvider) Model() string { return m.ModelName }

// Calls returns how many requests arrived.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// LastRequest returns the most recent request.
func (m *MockProvider) LastRequest() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return Request{}
	}
	return m.requests[len(m.requests)-1]
}
