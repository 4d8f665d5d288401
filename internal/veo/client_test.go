package veo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/MeeMeeBot/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.Config{VeoAPIKey: "k", VeoBaseURL: srv.URL, VeoModel: "veo-test"}, nil)
}

func TestSubmitReturnsImmediateVideo(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/models/veo-test:generateContent", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-goog-api-key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "contents")

		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"video":{"uri":"https://cdn/v.mp4"}}]}}]}`))
	})

	sub, err := client.Submit(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/v.mp4", sub.VideoURL)
	assert.Empty(t, sub.Operation)
}

func TestSubmitReturnsOperation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"operations/abc","candidates":[{"content":{"parts":[{"text":"working"}]}}]}`))
	})

	sub, err := client.Submit(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "operations/abc", sub.Operation)
}

func TestSubmitWithoutVideoOrOperation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.Submit(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoVideo)
}

func TestSubmitHTTPError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`quota`))
	})

	_, err := client.Submit(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=429")
}

func TestPollOperationStates(t *testing.T) {
	responses := map[string]string{
		"/operations/pending": `{"done":false}`,
		"/operations/ok":      `{"done":true,"response":{"candidates":[{"content":{"parts":[{"video":{"uri":"https://cdn/done.mp4"}}]}}]}}`,
		"/operations/err":     `{"done":true,"error":{"message":"safety filter"}}`,
		"/operations/empty":   `{"done":true,"response":{}}`,
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(responses[r.URL.Path]))
	})
	ctx := context.Background()

	st, err := client.PollOperation(ctx, "operations/pending")
	require.NoError(t, err)
	assert.False(t, st.Done)

	st, err = client.PollOperation(ctx, "operations/ok")
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.Equal(t, "https://cdn/done.mp4", st.VideoURL)

	st, err = client.PollOperation(ctx, "operations/err")
	require.NoError(t, err)
	assert.Equal(t, "safety filter", st.Error)

	st, err = client.PollOperation(ctx, "operations/empty")
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.Empty(t, st.VideoURL)
	assert.Empty(t, st.Error)
}

func TestDownload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("mp4bytes"))
	})

	data, ct, err := client.Download(context.Background(), client.baseURL+"/files/v.mp4")
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", ct)
	assert.Equal(t, "mp4bytes", string(data))
}

func TestTruncateBody(t *testing.T) {
	long := strings.Repeat("x", 600)
	assert.Len(t, []rune(truncateBody([]byte(long))), 513)
	assert.Equal(t, "short", truncateBody([]byte("  short ")))
}
