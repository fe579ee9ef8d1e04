package llm

import (
	"context"
	"sync"
)

// MockClient is a test double for the Client interface.
// It can also be used for dry-run mode.
//
// Responses are consumed in order; once exhausted, Response is returned.
// Fn, when set, takes precedence over both.
type MockClient struct {
	Response  *Response
	Responses []*Response
	Err       error
	Fn        func(Request) (*Response, error)

	mu    sync.Mutex
	Calls []Request // records requests sent
}

// Generate records the call and returns the mock response.
func (m *MockClient) Generate(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, req)

	if err := ctx.Err(); err != nil {
		return nil, external("mock", err)
	}
	if m.Fn != nil {
		return m.Fn(req)
	}
	if m.Err != nil {
		return nil, external("mock", m.Err)
	}
	if len(m.Responses) > 0 {
		r := m.Responses[0]
		m.Responses = m.Responses[1:]
		return r, nil
	}
	return m.Response, nil
}

// Prompts returns the prompts sent so far.
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		out[i] = c.Prompt
	}
	return out
}
