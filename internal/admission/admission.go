// Package admission bounds concurrent model calls behind a shared,
// cross-process counter keyed by model name.
package admission

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	keyPrefix = "model_concurrency:"
	// slotTTL is refreshed on every successful acquire so a crashed
	// holder frees its slot after at most an hour.
	slotTTL = time.Hour
	// pollInterval is how often a full counter is re-checked.
	pollInterval = 2500 * time.Millisecond
	// logEvery controls waiting-status log cadence (~every 5s).
	logEvery = 2
)

var (
	waitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "synthd", Subsystem: "admission",
		Name: "waits_total", Help: "Acquire attempts that had to wait for a slot",
	})
	timeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "synthd", Subsystem: "admission",
		Name: "timeouts_total", Help: "Acquire attempts that gave up after max wait",
	})
	failOpenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "synthd", Subsystem: "admission",
		Name: "fail_open_total", Help: "Calls admitted without a slot because the store was unreachable",
	})
)

func init() {
	prometheus.MustRegister(waitsTotal, timeoutsTotal, failOpenTotal)
}

// Controller hands out admission slots for model calls.
type Controller struct {
	store SlotStore
	log   zerolog.Logger

	// poll overrides pollInterval in tests.
	poll time.Duration
}

// NewController builds a Controller over the given store.
func NewController(store SlotStore, log zerolog.Logger) *Controller {
	return &Controller{store: store, log: log, poll: pollInterval}
}

// Acquire obtains a slot for model, polling until maxWait elapses. It
// returns a release func (always safe to call) and whether the call may
// proceed. When the store is unreachable the controller fails open: the
// call proceeds without a slot and the release func is a no-op.
func (c *Controller) Acquire(ctx context.Context, model string, capacity int, maxWait time.Duration) (func(), bool) {
	key := keyPrefix + model
	release := func() { c.release(model) }
	noop := func() {}

	start := time.Now()
	waited := false
	for iter := 0; ; iter++ {
		ok, err := c.store.TryAcquire(ctx, key, capacity, slotTTL)
		if err != nil {
			// Store down: let the call through rather than stalling
			// the whole pipeline.
			failOpenTotal.Inc()
			c.log.Warn().Err(err).Str("model", model).
				Msg("admission store unreachable, failing open")
			return noop, true
		}
		if ok {
			if waited {
				c.log.Info().Str("model", model).
					Dur("waited", time.Since(start)).
					Msg("admission slot acquired after wait")
			}
			return release, true
		}

		if !waited {
			waited = true
			waitsTotal.Inc()
		}
		if time.Since(start)+c.poll > maxWait {
			timeoutsTotal.Inc()
			c.log.Warn().Str("model", model).Int("capacity", capacity).
				Dur("waited", time.Since(start)).
				Msg("admission wait exceeded, capacity exceeded")
			return noop, false
		}
		if iter%logEvery == logEvery-1 {
			cur, _ := c.store.Current(ctx, key)
			c.log.Info().Str("model", model).
				Int64("current", cur).Int("capacity", capacity).
				Dur("waited", time.Since(start)).
				Msg("waiting for admission slot")
		}
		select {
		case <-time.After(c.poll):
		case <-ctx.Done():
			return noop, false
		}
	}
}

// release decrements the slot counter for model. Errors are logged and
// swallowed: a failed release heals via the slot TTL.
func (c *Controller) release(model string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.store.Release(ctx, keyPrefix+model); err != nil {
		c.log.Warn().Err(err).Str("model", model).Msg("admission release failed")
	}
}
