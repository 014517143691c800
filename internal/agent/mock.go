package agent

import (
	"context"
	"sync"
)

// MockInvoker is a configurable in-process invoker for tests. The zero value
// answers every request with {"ok": true}.
type MockInvoker struct {
	mu sync.Mutex

	// Respond overrides the default behavior when set.
	Respond func(agentID string, req Request) (Response, error)
	// FailuresBeforeSuccess makes the first N calls fail with a transient
	// error.
	FailuresBeforeSuccess int

	calls []Request
}

// Invoke records the request and answers per configuration.
func (m *MockInvoker) Invoke(_ context.Context, agentID string, req Request) (Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	failing := len(m.calls) <= m.FailuresBeforeSuccess
	respond := m.Respond
	m.mu.Unlock()

	if failing {
		return Response{}, errTransientMock
	}
	if respond != nil {
		return respond(agentID, req)
	}
	return Response{OutputData: map[string]any{"ok": true}, Summary: "done"}, nil
}

// Calls returns a copy of the recorded requests.
func (m *MockInvoker) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

type transientMockError struct{}

func (transientMockError) Error() string   { return "mock agent unavailable" }
func (transientMockError) Timeout() bool   { return true }
func (transientMockError) Temporary() bool { return true }

// errTransientMock satisfies net.Error so the retry policy classifies it as
// transient without an explicit kind.
var errTransientMock = transientMockError{}
