package data

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenflow/copilot-stream/internal/copilot/types"
)

func TestOpenStreamReturnsBody(t *testing.T) {
	var gotReq StreamRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/stream", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"type\":\"done\"}\n"))
	}))
	defer srv.Close()

	c := NewUpstreamClient(&UpstreamConfig{BaseURL: srv.URL}, nil)
	body, err := c.OpenStream(context.Background(), &StreamRequest{
		ChatID:   "c-1",
		Messages: []*types.Message{{ID: "u1", Role: types.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"done"`)
	assert.Equal(t, "c-1", gotReq.ChatID)
	require.Len(t, gotReq.Messages, 1)
}

func TestOpenStreamNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewUpstreamClient(&UpstreamConfig{BaseURL: srv.URL}, nil)
	_, err := c.OpenStream(context.Background(), &StreamRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestOpenStreamHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewUpstreamClient(&UpstreamConfig{BaseURL: srv.URL}, nil)
	_, err := c.OpenStream(ctx, &StreamRequest{})
	require.Error(t, err)
}
