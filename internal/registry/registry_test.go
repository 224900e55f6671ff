package registry

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/controlplane"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestLookup_EmptyBeforeFirstRefresh(t *testing.T) {
	c := New(controlplane.New(controlplane.Config{BaseURL: "http://unused"}), time.Second, testLogger())
	_, ok := c.Lookup("anything")
	assert.False(t, ok)
	assert.False(t, c.Ready())
}

func TestStart_PopulatesSnapshotAndLookupSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"projects":[
			{"id":"p1","upstream_url":"http://up1","api_keys":["h1"]},
			{"id":"p2","upstream_url":"http://up2","api_keys":[]}
		]}`))
	}))
	defer srv.Close()

	client := controlplane.New(controlplane.Config{BaseURL: srv.URL, ConfigFetchTimeout: time.Second, AuditSendTimeout: time.Second})
	c := New(client, time.Hour, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx, context.Background()))

	p, ok := c.Lookup("h1")
	require.True(t, ok)
	assert.Equal(t, "p1", p.ProjectID)
	assert.Equal(t, "http://up1", p.UpstreamBaseURL)

	_, ok = c.Lookup("h2")
	assert.False(t, ok, "a project with no registered keys must not be looked up")
	assert.True(t, c.Ready())
}

// TestStart_DecodesLiteralSpecBody pins spec.md §4.3's literal wire shape
// ({"projects":[{"id","upstream_url","api_keys":[...]}]}) end to end: a
// project's first API-key hash is its lookup key.
func TestStart_DecodesLiteralSpecBody(t *testing.T) {
	const keyHash = "a1b2c3d4e5f6"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"projects":[{"id":"p1","upstream_url":"http://u/","api_keys":["` + keyHash + `"]}]}`))
	}))
	defer srv.Close()

	client := controlplane.New(controlplane.Config{BaseURL: srv.URL, ConfigFetchTimeout: time.Second, AuditSendTimeout: time.Second})
	c := New(client, time.Hour, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx, context.Background()))

	p, ok := c.Lookup(keyHash)
	require.True(t, ok)
	assert.Equal(t, "p1", p.ProjectID)
	assert.Equal(t, "http://u/", p.UpstreamBaseURL)
}

func TestRefreshLoop_KeepsPreviousSnapshotOnFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			_, _ = w.Write([]byte(`{"projects":[{"id":"p1","upstream_url":"http://up1","api_keys":["h1"]}]}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := controlplane.New(controlplane.Config{BaseURL: srv.URL, ConfigFetchTimeout: time.Second, AuditSendTimeout: time.Second})
	c := New(client, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx, ctx))

	time.Sleep(60 * time.Millisecond)

	p, ok := c.Lookup("h1")
	require.True(t, ok, "a subsequent failed refresh must not erase the previous good snapshot")
	assert.Equal(t, "p1", p.ProjectID)
}
