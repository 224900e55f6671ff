// Package audit implements C8: best-effort, asynchronous delivery of
// traffic decisions to the control plane. Adapted from the teacher's
// internal/webhooks/dispatcher.go — a bounded channel drained by a single
// background goroutine — simplified to a single sender (no worker pool,
// no retries) since spec.md §4.8 specifies at-most-once delivery with
// drop-on-full semantics rather than guaranteed delivery.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/gateway/internal/controlplane"
	"github.com/ocx/gateway/internal/metrics"
)

// Event is one traffic decision to be recorded.
type Event struct {
	EventID       string
	Timestamp     time.Time
	ProjectID     string
	KeyHash       string
	IP            string
	Path          string
	Endpoint      string
	Method        string
	UserAgent     string
	Decision      string
	Reason        string
	StatusCode    int
	RiskScore     float64
	LatencyMillis int64
}

// Sink is the background audit publisher. It owns one bounded channel and
// one sender goroutine; Emit never blocks the caller.
type Sink struct {
	client *controlplane.Client
	logger *slog.Logger
	queue  chan Event

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// DefaultQueueCapacity is spec.md §4.8's default bound when none is
// configured.
const DefaultQueueCapacity = 1000

// New constructs a Sink with the given queue capacity (falling back to
// DefaultQueueCapacity when capacity <= 0) and starts its sender
// goroutine, bound to ctx.
func New(ctx context.Context, client *controlplane.Client, logger *slog.Logger, capacity int) *Sink {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	runCtx, cancel := context.WithCancel(ctx)

	s := &Sink{
		client: client,
		logger: logger,
		queue:  make(chan Event, capacity),
		cancel: cancel,
	}

	s.wg.Add(1)
	go s.run(runCtx)

	return s
}

// Emit enqueues an event for asynchronous delivery. If the queue is full,
// the event is dropped and logged at debug level — spec.md §4.8 prefers
// losing an audit record over slowing down or blocking the request path.
func (s *Sink) Emit(e Event) {
	select {
	case s.queue <- e:
		metrics.SetAuditQueueDepth(len(s.queue))
	default:
		metrics.IncAuditDropped()
		s.logger.Debug("audit queue full, dropping event", "event_id", e.EventID, "endpoint", e.Endpoint)
	}
}

// QueueDepth reports the number of events currently buffered, for metrics.
func (s *Sink) QueueDepth() int {
	return len(s.queue)
}

func (s *Sink) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.queue:
			metrics.SetAuditQueueDepth(len(s.queue))
			s.send(ctx, e)
		}
	}
}

func (s *Sink) send(ctx context.Context, e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic sending audit event, recovered", "panic", r)
		}
	}()

	err := s.client.SendTraffic(ctx, controlplane.TrafficEvent{
		EventID:       e.EventID,
		Timestamp:     e.Timestamp,
		ProjectID:     e.ProjectID,
		KeyHash:       e.KeyHash,
		IP:            e.IP,
		Path:          e.Path,
		Endpoint:      e.Endpoint,
		Method:        e.Method,
		UserAgent:     e.UserAgent,
		Decision:      e.Decision,
		Reason:        e.Reason,
		StatusCode:    e.StatusCode,
		RiskScore:     e.RiskScore,
		LatencyMillis: e.LatencyMillis,
	})
	if err != nil {
		s.logger.Debug("audit event delivery failed", "event_id", e.EventID, "error", err)
	}
}

// Shutdown stops the sender goroutine and waits for the in-flight send
// (if any) to finish. Any events still buffered in the queue are dropped.
func (s *Sink) Shutdown() {
	s.cancel()
	s.wg.Wait()
}
