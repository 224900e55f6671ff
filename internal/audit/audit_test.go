package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/controlplane"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestEmit_DeliversEventToControlPlane(t *testing.T) {
	received := make(chan controlplane.TrafficEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var ev controlplane.TrafficEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		received <- ev
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := controlplane.New(controlplane.Config{BaseURL: srv.URL, ConfigFetchTimeout: time.Second, AuditSendTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := New(ctx, client, discardLogger(), 10)
	defer sink.Shutdown()

	sink.Emit(Event{EventID: "evt-1", Endpoint: "/x", Decision: "ALLOW"})

	select {
	case ev := <-received:
		assert.Equal(t, "evt-1", ev.EventID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for audit event delivery")
	}
}

func TestEmit_DropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := controlplane.New(controlplane.Config{BaseURL: srv.URL, ConfigFetchTimeout: 5 * time.Second, AuditSendTimeout: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := New(ctx, client, discardLogger(), 1)
	defer func() {
		close(block)
		sink.Shutdown()
	}()

	// First event is picked up by the sender immediately and blocks on
	// the handler; the queue itself stays empty. Fill the queue, then
	// overflow it.
	sink.Emit(Event{EventID: "in-flight"})
	time.Sleep(20 * time.Millisecond) // let the sender goroutine claim it

	sink.Emit(Event{EventID: "queued"})
	sink.Emit(Event{EventID: "dropped"}) // must not block Emit

	assert.LessOrEqual(t, sink.QueueDepth(), 1)
}

func TestQueueDepth_ReflectsBufferedEvents(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := controlplane.New(controlplane.Config{BaseURL: srv.URL, ConfigFetchTimeout: 5 * time.Second, AuditSendTimeout: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := New(ctx, client, discardLogger(), 5)
	defer func() {
		close(block)
		sink.Shutdown()
	}()

	sink.Emit(Event{EventID: "e0"})
	time.Sleep(20 * time.Millisecond)
	sink.Emit(Event{EventID: "e1"})
	sink.Emit(Event{EventID: "e2"})

	assert.Equal(t, 2, sink.QueueDepth())
}

func TestShutdown_StopsSenderGoroutine(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := controlplane.New(controlplane.Config{BaseURL: srv.URL, ConfigFetchTimeout: time.Second, AuditSendTimeout: time.Second})
	ctx := context.Background()
	sink := New(ctx, client, discardLogger(), 10)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sink.Shutdown()
	}()
	wg.Wait()

	sink.Emit(Event{EventID: "after-shutdown"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
