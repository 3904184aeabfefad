// Package admission decides whether a request may run: a queue-depth guard,
// a per-class bulkhead and a load-shedding policy, each able to reject.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Config holds the admission thresholds.
type Config struct {
	MaxQueueDepth     int
	Concurrency       map[Class]int
	ShedLoadEnabled   bool
	CheapOnlySurvival bool

	LatencyP95Threshold time.Duration
	LatencyMinSamples   int
	QueueOccupancyRatio float64

	AdaptiveLimitFactor float64
	BackoffBase         time.Duration
	BackoffMax          time.Duration
}

// Recorder receives admission outcomes. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveAdmission(class Class, outcome string)
	SetQueueDepth(depth int64)
	ObserveHeavyLatency(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAdmission(Class, string)    {}
func (nopRecorder) SetQueueDepth(int64)               {}
func (nopRecorder) ObserveHeavyLatency(time.Duration) {}

// Outcome labels passed to Recorder.ObserveAdmission.
const (
	OutcomeAdmitted  = "admitted"
	OutcomeQueueFull = "queue_full"
	OutcomeShed      = "shed"
	OutcomeBulkhead  = "bulkhead_full"
)

// Controller admits or rejects requests. The zero value is not usable.
type Controller struct {
	cfg       Config
	queue     *QueueCounter
	bulkheads map[Class]*semaphore.Weighted
	latencies *LatencyWindow
	rec       Recorder

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a controller for cfg. A nil recorder discards observations.
func New(cfg Config, rec Recorder) *Controller {
	if rec == nil {
		rec = nopRecorder{}
	}
	c := &Controller{
		cfg:       cfg,
		queue:     NewQueueCounter(cfg.MaxQueueDepth),
		bulkheads: make(map[Class]*semaphore.Weighted, 3),
		latencies: NewLatencyWindow(latencyWindowSize),
		rec:       rec,
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, class := range []Class{Cheap, Medium, Heavy} {
		n := cfg.Concurrency[class]
		if n <= 0 {
			n = 1
		}
		c.bulkheads[class] = semaphore.NewWeighted(int64(n))
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue exposes the in-flight counter.
func (c *Controller) Queue() *QueueCounter { return c.queue }

// Overloaded reports whether the service is under stress: either recent Heavy
// latency p95 exceeds the threshold with enough samples, or queue occupancy
// reached the configured ratio.
func (c *Controller) Overloaded() bool {
	p95, n := c.latencies.P95()
	if n >= c.cfg.LatencyMinSamples && p95 > c.cfg.LatencyP95Threshold {
		return true
	}
	return c.cfg.QueueOccupancyRatio > 0 && c.queue.Occupancy() >= c.cfg.QueueOccupancyRatio
}

// ShouldShed reports whether a request of class would be shed right now.
func (c *Controller) ShouldShed(class Class) bool {
	if class == Cheap {
		return false
	}
	if !c.cfg.ShedLoadEnabled && !c.cfg.CheapOnlySurvival {
		return false
	}
	return c.Overloaded()
}

// Backoff scales between base and max by queue occupancy.
func (c *Controller) Backoff() time.Duration {
	base, ceiling := c.cfg.BackoffBase, c.cfg.BackoffMax
	if ceiling < base {
		ceiling = base
	}
	d := base + time.Duration(float64(ceiling-base)*c.queue.Occupancy())
	return min(max(d, base), ceiling)
}

// AdaptiveLimit caps limit to the configured fraction of maxLimit, never
// below one.
func (c *Controller) AdaptiveLimit(limit, maxLimit int) int {
	adaptive := max(1, int(float64(maxLimit)*c.cfg.AdaptiveLimitFactor))
	return min(limit, adaptive)
}

// Admit runs the admission layers in order: queue depth, shedding, limit
// adaptation, bulkhead. On success the caller must Release the ticket on
// every exit path. On rejection the error is a *Rejection.
func (c *Controller) Admit(ctx context.Context, class Class, limit, maxLimit int) (*Ticket, error) {
	guard, depth, ok := c.queue.Enter()
	if !ok {
		c.rec.ObserveAdmission(class, OutcomeQueueFull)
		return nil, &Rejection{
			Outcome: OutcomeQueueFull,
			Status:  http.StatusTooManyRequests,
			Message: "request queue depth exceeded",
			Details: map[string]any{"depth": depth, "max": c.queue.Max()},
		}
	}
	c.rec.SetQueueDepth(c.queue.Depth())
	t := &Ticket{c: c, class: class, guard: guard, start: c.now(), Limit: limit}

	overloaded := c.Overloaded()
	t.Overloaded = overloaded
	if c.ShouldShed(class) {
		backoff := c.Backoff()
		err := c.sleep(ctx, backoff)
		t.release(false)
		c.rec.ObserveAdmission(class, OutcomeShed)
		rej := &Rejection{
			Outcome:    OutcomeShed,
			Status:     http.StatusServiceUnavailable,
			Message:    "server is shedding non-cheap query load",
			Details:    map[string]any{"class": class.Title(), "retry_after_ms": backoff.Milliseconds()},
			RetryAfter: backoff,
			Overloaded: true,
		}
		if err != nil {
			rej.Err = err
		}
		return nil, rej
	}
	if overloaded && class != Cheap {
		t.Limit = c.AdaptiveLimit(limit, maxLimit)
	}
	sem := c.bulkheads[class]
	if !sem.TryAcquire(1) {
		t.release(false)
		c.rec.ObserveAdmission(class, OutcomeBulkhead)
		return nil, &Rejection{
			Outcome:    OutcomeBulkhead,
			Status:     http.StatusTooManyRequests,
			Message:    fmt.Sprintf("%s query concurrency limit exceeded", class),
			Details:    map[string]any{"class": class.Title()},
			Overloaded: overloaded,
		}
	}
	t.sem = sem
	c.rec.ObserveAdmission(class, OutcomeAdmitted)
	return t, nil
}

// Ticket is an admitted request. Limit is the page limit after adaptation.
type Ticket struct {
	Limit      int
	Overloaded bool

	c     *Controller
	class Class
	guard *QueueGuard
	sem   *semaphore.Weighted
	start time.Time
	once  sync.Once
}

// Release returns the bulkhead permit and queue slot. Heavy latencies feed
// the overload signal. Safe to call more than once.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.release(true)
}

func (t *Ticket) release(observe bool) {
	t.once.Do(func() {
		if t.sem != nil {
			t.sem.Release(1)
		}
		t.guard.Release()
		t.c.rec.SetQueueDepth(t.c.queue.Depth())
		if observe && t.class == Heavy {
			d := t.c.now().Sub(t.start)
			t.c.latencies.Observe(d)
			t.c.rec.ObserveHeavyLatency(d)
		}
	})
}

// Rejection explains why a request was not admitted.
type Rejection struct {
	Outcome    string
	Status     int
	Message    string
	Details    map[string]any
	RetryAfter time.Duration
	Overloaded bool
	Err        error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return "admission: " + r.Message + ": " + r.Err.Error()
	}
	return "admission: " + r.Message
}

func (r *Rejection) Unwrap() error { return r.Err }

// RetryAfterSeconds is the Retry-After header value, at least one.
func (r *Rejection) RetryAfterSeconds() int {
	return max(int(r.RetryAfter/time.Second), 1)
}

// AsRejection extracts a *Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	ok := errors.As(err, &rej)
	return rej, ok
}
