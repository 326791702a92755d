package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.corebus.dev/internal/dlq"
	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/opsstate"
)

func TestRouter_HealthAndLive(t *testing.T) {
	r := NewRouter(Config{})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/q/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_ReadyReflectsReadyFunc(t *testing.T) {
	r := NewRouter(Config{Ready: func() (bool, string) { return false, "leader election pending" }})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/q/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRouter_DLQRetryAndDiscard(t *testing.T) {
	store := dlq.NewInMemoryStore()
	require.NoError(t, store.Send(context.Background(), &dlq.DeadLetterEntry{
		ID:        "entry-1",
		Component: "outbox",
		Envelope:  message.NewEvent("x", nil),
		Reason:    "boom",
	}))

	r := NewRouter(Config{DLQ: store})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/q/dlq")
	require.NoError(t, err)
	var entries []dlq.DeadLetterEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	resp.Body.Close()
	require.Len(t, entries, 1)

	resp, err = http.Post(srv.URL+"/q/dlq/entry-1/retry", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/q/dlq/entry-1/discard", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "an already-retried entry is terminal and cannot be discarded")
}

func TestRouter_Warnings(t *testing.T) {
	ops := opsstate.NewInMemoryStore()
	ops.Record("outbox", opsstate.SeverityWarning, "retry exhausted", "outbox-processor")

	r := NewRouter(Config{Ops: ops})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/q/warnings")
	require.NoError(t, err)
	var warnings []opsstate.Warning
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&warnings))
	resp.Body.Close()
	require.Len(t, warnings, 1)

	resp, err = http.Post(srv.URL+"/q/warnings/"+warnings[0].ID+"/ack", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, ops.Unacknowledged())
}
