package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/errors"
	"loom/internal/model"
	"loom/internal/store/memory"
)

func newDirectoryWithAgent(t *testing.T, endpoint string) *memory.Store {
	t.Helper()
	s := memory.New(memory.Config{})
	require.NoError(t, s.PutAgent(context.Background(), &model.Agent{
		ID:       "agent-1",
		Name:     "summarizer",
		Endpoint: endpoint,
	}))
	return s
}

func TestHTTPInvoker_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"output_data":{"ok":true},"summary":"done"}`))
	}))
	defer server.Close()

	inv := NewHTTPInvoker(newDirectoryWithAgent(t, server.URL))
	resp, err := inv.Invoke(context.Background(), "agent-1", Request{TaskTitle: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, resp.OutputData)
	assert.Equal(t, "done", resp.Summary)
}

func TestHTTPInvoker_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	inv := NewHTTPInvoker(newDirectoryWithAgent(t, server.URL))
	_, err := inv.Invoke(context.Background(), "agent-1", Request{TaskTitle: "summarize"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, IsNonRetryable(err))
}

func TestHTTPInvoker_ClientErrorIsNonRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	inv := NewHTTPInvoker(newDirectoryWithAgent(t, server.URL))
	_, err := inv.Invoke(context.Background(), "agent-1", Request{TaskTitle: "summarize"})
	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
}

func TestHTTPInvoker_MissingEndpoint(t *testing.T) {
	inv := NewHTTPInvoker(newDirectoryWithAgent(t, ""))
	_, err := inv.Invoke(context.Background(), "agent-1", Request{TaskTitle: "summarize"})
	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
}

func TestHTTPInvoker_UnknownAgent(t *testing.T) {
	inv := NewHTTPInvoker(memory.New(memory.Config{}))
	_, err := inv.Invoke(context.Background(), "nope", Request{TaskTitle: "summarize"})
	assert.True(t, errors.IsNotFound(err))
}

func TestParseCompletion(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    map[string]any
	}{
		{
			"structured response",
			`{"output_data":{"answer":"42"},"summary":"done"}`,
			map[string]any{"answer": "42"},
		},
		{
			"bare object",
			`{"answer":"42"}`,
			map[string]any{"answer": "42"},
		},
		{
			"fenced json",
			"Here you go:\n```json\n{\"answer\":\"42\"}\n```",
			map[string]any{"answer": "42"},
		},
		{
			"prose fallback",
			"The answer is 42.",
			map[string]any{"result": "The answer is 42."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCompletion(tt.content).OutputData)
		})
	}
}

func TestMockInvoker_FailuresBeforeSuccess(t *testing.T) {
	m := &MockInvoker{FailuresBeforeSuccess: 2}

	_, err := m.Invoke(context.Background(), "agent-1", Request{TaskTitle: "t"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	_, err = m.Invoke(context.Background(), "agent-1", Request{TaskTitle: "t"})
	require.Error(t, err)

	resp, err := m.Invoke(context.Background(), "agent-1", Request{TaskTitle: "t"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, resp.OutputData)
	assert.Len(t, m.Calls(), 3)
}
