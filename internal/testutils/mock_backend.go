package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ahrav/go-concord/internal/ports"
)

var _ ports.Backend = (*MockBackend)(nil)

// MockResponse maps a prompt pattern to a canned reply.
type MockResponse struct {
	// Pattern is matched as a substring of the user prompt. The empty
	// pattern matches everything and acts as the default.
	Pattern string
	// Response is returned for matching prompts.
	Response string
	// TokensIn and TokensOut are reported as usage. Zero values are
	// estimated from the prompt and response lengths.
	TokensIn  int
	TokensOut int
}

// Call is one captured Complete invocation.
type Call struct {
	System string
	User   string
	Opts   ports.CompletionOptions
	At     time.Time
}

// MockBackend is a scripted ports.Backend. Replies come from ResponseFunc
// when set, otherwise from the first matching MockResponse. It honours
// context cancellation while delayed, so a Delay longer than the caller's
// timeout produces context.DeadlineExceeded.
// It is safe for concurrent use.
type MockBackend struct {
	mu        sync.Mutex
	responses []MockResponse
	calls     []Call

	// Delay is applied before every reply.
	Delay time.Duration
	// Err, when set, is returned instead of a reply.
	Err error
	// ResponseFunc, when set, produces every reply.
	ResponseFunc func(system, user string) (string, error)
}

// NewMockBackend creates a backend that answers every prompt with
// defaultResponse.
func NewMockBackend(defaultResponse string) *MockBackend {
	m := &MockBackend{}
	if defaultResponse != "" {
		m.AddResponse(MockResponse{Response: defaultResponse})
	}
	return m
}

// NewFailingBackend creates a backend whose every call returns err.
func NewFailingBackend(err error) *MockBackend {
	return &MockBackend{Err: err}
}

// NewSlowBackend creates a backend that answers after delay.
func NewSlowBackend(response string, delay time.Duration) *MockBackend {
	m := NewMockBackend(response)
	m.Delay = delay
	return m
}

// NewScriptedBackend creates a backend whose replies come from fn.
func NewScriptedBackend(fn func(system, user string) (string, error)) *MockBackend {
	return &MockBackend{ResponseFunc: fn}
}

// AddResponse registers a reply. Patterns are tried in insertion order,
// with the empty pattern always tried last.
func (m *MockBackend) AddResponse(r MockResponse) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, r)
	return m
}

// Complete implements ports.Backend.
func (m *MockBackend) Complete(
	ctx context.Context,
	systemPrompt, userPrompt string,
	opts ports.CompletionOptions,
) (ports.Completion, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{System: systemPrompt, User: userPrompt, Opts: opts, At: time.Now()})
	delay, failure, fn := m.Delay, m.Err, m.ResponseFunc
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ports.Completion{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return ports.Completion{}, err
	}

	if failure != nil {
		return ports.Completion{}, failure
	}

	if fn != nil {
		text, err := fn(systemPrompt, userPrompt)
		if err != nil {
			return ports.Completion{}, err
		}
		return ports.Completion{
			Text:      text,
			TokensIn:  estimateTokens(systemPrompt + userPrompt),
			TokensOut: estimateTokens(text),
		}, nil
	}

	r, ok := m.match(userPrompt)
	if !ok {
		return ports.Completion{}, fmt.Errorf("mock backend: no response configured for prompt (%d chars)", len(userPrompt))
	}
	completion := ports.Completion{Text: r.Response, TokensIn: r.TokensIn, TokensOut: r.TokensOut}
	if completion.TokensIn == 0 {
		completion.TokensIn = estimateTokens(systemPrompt + userPrompt)
	}
	if completion.TokensOut == 0 {
		completion.TokensOut = estimateTokens(r.Response)
	}
	return completion, nil
}

func (m *MockBackend) match(prompt string) (MockResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fallback *MockResponse
	for i := range m.responses {
		r := &m.responses[i]
		if r.Pattern == "" {
			if fallback == nil {
				fallback = r
			}
			continue
		}
		if strings.Contains(prompt, r.Pattern) {
			return *r, true
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return MockResponse{}, false
}

// Calls returns a copy of every captured call.
func (m *MockBackend) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Complete invocations.
func (m *MockBackend) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func estimateTokens(text string) int { return (len(text) + 3) / 4 }
