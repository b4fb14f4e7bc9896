// ABOUTME: Tests for the invocation client using httptest servers
// ABOUTME: Covers content joining, status errors and empty replies

package invoke

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoke_JoinsContent(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"result":{"role":"assistant","content":[{"text":"one"},{"text":"  "},{"text":"two"}]}}`))
	}))
	defer srv.Close()

	text, err := New(srv.URL, nil, nil).Invoke(context.Background(), Request{Prompt: "hi", SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "one\n\ntwo", text)
	assert.Equal(t, Request{Prompt: "hi", SessionID: "s"}, got)
}

func TestInvoke_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil, nil).Invoke(context.Background(), Request{Prompt: "hi"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, "boom", statusErr.Body)
}

func TestInvoke_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"content":[]}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil, nil).Invoke(context.Background(), Request{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrNoContent)
}
