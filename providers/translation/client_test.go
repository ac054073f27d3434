package translation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cascade/batch"
	"github.com/teranos/cascade/internal/httpclient"
	"github.com/teranos/cascade/providers"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return NewClient(providers.Options{
		BaseURL:    server.URL,
		APIKey:     "test-key",
		HTTPClient: httpclient.WrapClient(server.Client()),
	}), &calls
}

func TestTranslate(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultModel, req.Model)
		require.Len(t, req.Messages, 2)
		assert.Contains(t, req.Messages[0].Content, "from en to de")
		assert.Equal(t, "Hello", req.Messages[1].Content)

		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" Hallo \n"},"finish_reason":"stop"}]}`))
	})

	out, err := client.Translate(context.Background(), "Hello", "en", "de")
	require.NoError(t, err)
	assert.Equal(t, "Hallo", out)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTranslate_NoCallForBlankOrSameLanguage(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected provider call")
	})

	out, err := client.Translate(context.Background(), "  ", "en", "de")
	require.NoError(t, err)
	assert.Equal(t, "  ", out)

	out, err = client.Translate(context.Background(), "Hi", "en", "en")
	require.NoError(t, err)
	assert.Equal(t, "Hi", out)
	assert.Zero(t, calls.Load())
}

func TestTranslate_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"server error is retryable", http.StatusInternalServerError, `oops`, true},
		{"bad request is permanent", http.StatusBadRequest, `{"error":"bad model"}`, false},
		{"truncated output is permanent", http.StatusOK, `{"choices":[{"message":{"content":"Hal"},"finish_reason":"length"}]}`, false},
		{"empty choices", http.StatusOK, `{"choices":[]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := client.Translate(context.Background(), "Hello", "en", "de")
			require.Error(t, err)
			assert.Equal(t, tt.retryable, batch.IsRetryable(err))
		})
	}
}
