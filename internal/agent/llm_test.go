package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozoz66/control-research-copilot/internal/config"
)

func newTestPort(t *testing.T, handler http.HandlerFunc) *LLMPort {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewLLMPort(config.LLM{
		APIKey:         "test-key",
		BaseURL:        server.URL + "/v1",
		Model:          "test-model",
		TimeoutSeconds: 5,
	})
}

func TestLLMPortInvokeSuccess(t *testing.T) {
	port := newTestPort(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"summary\":\"lqr survey\"}"}}]}`))
	})

	outcome, err := port.Invoke(context.Background(), Request{
		SessionID: "abc123def456",
		StageID:   "literature",
		Role:      "architect",
		Topic:     "LQR control",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"lqr survey"}`, string(outcome.Artifact))
}

func TestLLMPortRateLimitIsTransient(t *testing.T) {
	port := newTestPort(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := port.Invoke(context.Background(), Request{StageID: "literature"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestLLMPortServerErrorIsTransient(t *testing.T) {
	port := newTestPort(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := port.Invoke(context.Background(), Request{StageID: "literature"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestLLMPortClientErrorIsPermanent(t *testing.T) {
	port := newTestPort(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := port.Invoke(context.Background(), Request{StageID: "literature"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestLLMPortNonJSONOutputIsTransient(t *testing.T) {
	port := newTestPort(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"sorry, I cannot help"}}]}`))
	})

	_, err := port.Invoke(context.Background(), Request{StageID: "literature"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestLLMPortHonorsCancellation(t *testing.T) {
	started := make(chan struct{})
	port := newTestPort(t, func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can observe the
		// client disconnect and cancel the request context.
		_, _ = io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := port.Invoke(ctx, Request{StageID: "literature"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClientRequiresAPIKey(t *testing.T) {
	client := NewClient(config.LLM{BaseURL: "http://127.0.0.1:1"})
	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
