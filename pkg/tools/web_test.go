package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebPush(t *testing.T) {
	var (
		gotBody        []byte
		gotContentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	r := NewRegistry()
	for _, tool := range webTools(srv.Client()) {
		r.Register(tool)
	}

	out := r.Execute(context.Background(), "web_push", map[string]any{
		"url":     srv.URL,
		"message": "deployment done",
	}, Env{SessionID: "s1"})
	assert.Equal(t, "HTTP 202", out)
	assert.Equal(t, "application/json", gotContentType)

	var body map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, "deployment done", body["message"])
	assert.Equal(t, "s1", body["session_id"])
}

func TestWebPushPayloadOverridesMessage(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	r := NewRegistry()
	for _, tool := range webTools(srv.Client()) {
		r.Register(tool)
	}

	out := r.Execute(context.Background(), "web_push", map[string]any{
		"url":     srv.URL,
		"message": "ignored",
		"payload": map[string]any{"event": "deploy", "env": "staging"},
	}, Env{})
	assert.Equal(t, "HTTP 200", out)

	var body map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, "deploy", body["event"])
	assert.NotContains(t, body, "message")
}

func TestWebPushRequiresURL(t *testing.T) {
	r := NewRegistry()
	for _, tool := range webTools(nil) {
		r.Register(tool)
	}

	out := r.Execute(context.Background(), "web_push", map[string]any{"message": "x"}, Env{})
	assert.Equal(t, "Tool 'web_push' error: missing url argument", out)
}
