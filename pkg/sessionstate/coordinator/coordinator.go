// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package coordinator acquires session records from a store, polling while
// another holder owns the lock.
//
// An acquisition first asks the store once. When the record is locked and
// the lock is older than the caller's execution budget, the lock is presumed
// abandoned and broken once. The coordinator then polls on a ticker: at most
// one attempt is in flight, attempts are spaced by at least MinPollSpacing
// and the loop ends on success, on a backend fault or when the caller's
// context is done. It never gives up on its own.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/time/rate"

	"github.com/stacklok/statestore/pkg/logger"
	"github.com/stacklok/statestore/pkg/sessionstate"
)

// Mode is the access a request declares.
type Mode int

const (
	// ModeExclusive takes the record lock.
	ModeExclusive Mode = iota
	// ModeReadOnly reads without locking, waiting while another holder writes.
	ModeReadOnly
)

func (m Mode) String() string {
	if m == ModeReadOnly {
		return "read_only"
	}
	return "exclusive"
}

// Acquisition is the terminal result of Acquire. Result.Status is
// StatusFound or StatusNotFound, never StatusLocked.
type Acquisition struct {
	Result sessionstate.GetResult
	// Polls counts the attempts made after the first one.
	Polls int
	// BrokeLock is set when an abandoned lock was released on the way.
	BrokeLock bool
	// Waited is the time spent between the first attempt and success.
	Waited time.Duration
}

const instrumentationName = "github.com/stacklok/statestore/pkg/sessionstate/coordinator"

type metrics struct {
	acquisitions metric.Int64Counter
	polls        metric.Int64Counter
	broken       metric.Int64Counter
	wait         metric.Float64Histogram
	errors       metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider, log *slog.Logger) *metrics {
	meter := mp.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			log.Warn("creating metric instrument failed", "instrument", name, "error", err)
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}
	wait, err := meter.Float64Histogram("statestore_lock_wait_duration",
		metric.WithDescription("Time spent waiting for a locked session"),
		metric.WithUnit("s"))
	if err != nil {
		log.Warn("creating metric instrument failed", "instrument", "statestore_lock_wait_duration", "error", err)
		wait, _ = fallback.Float64Histogram("statestore_lock_wait_duration")
	}
	return &metrics{
		acquisitions: counter("statestore_lock_acquisitions", "Completed session acquisitions"),
		polls:        counter("statestore_lock_polls", "Acquire attempts made while polling a locked session"),
		broken:       counter("statestore_locks_broken", "Abandoned session locks released"),
		wait:         wait,
		errors:       counter("statestore_backend_errors", "Backend faults seen while acquiring sessions"),
	}
}

// Coordinator runs acquisitions against one store.
type Coordinator struct {
	store   sessionstate.Store
	cfg     sessionstate.StoreConfig
	clock   Clock
	log     *slog.Logger
	mp      metric.MeterProvider
	metrics *metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the time source.
func WithClock(c Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.log = l }
}

// WithMeterProvider sets the provider for acquisition metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(co *Coordinator) { co.mp = mp }
}

// New returns a Coordinator over store. Poll timing and the default
// execution budget come from cfg. A non-positive poll interval takes the
// default.
func New(store sessionstate.Store, cfg sessionstate.StoreConfig, opts ...Option) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = sessionstate.DefaultPollInterval
	}
	co := &Coordinator{store: store, cfg: cfg, clock: NewStandardClock()}
	for _, opt := range opts {
		opt(co)
	}
	co.log = logger.For(co.log, "coordinator")
	if co.mp == nil {
		co.mp = otel.GetMeterProvider()
	}
	co.metrics = newMetrics(co.mp, co.log)
	return co
}

type acquireOptions struct {
	budget time.Duration
}

// AcquireOption tunes one acquisition.
type AcquireOption func(*acquireOptions)

// WithExecutionTimeout sets the budget past which a lock is presumed
// abandoned. It defaults to StoreConfig.ExecutionTimeout.
func WithExecutionTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.budget = d }
}

type attemptResult struct {
	res sessionstate.GetResult
	err error
}

// Acquire reads id, taking its lock in ModeExclusive, and waits while another
// holder owns it. Backend faults end the wait and are returned as is. When
// ctx is done the wait stops with ctx's error; an attempt already in flight
// is allowed to finish and a lock it obtained is released.
func (co *Coordinator) Acquire(ctx context.Context, id string, mode Mode, opts ...AcquireOption) (Acquisition, error) {
	o := acquireOptions{budget: co.cfg.ExecutionTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode.String()))

	start := co.clock.Now()
	res, err := co.attempt(ctx, id, mode)
	if err != nil {
		co.metrics.errors.Add(ctx, 1, attrs)
		return Acquisition{}, err
	}
	if res.Status != sessionstate.StatusLocked {
		return co.done(ctx, Acquisition{Result: res}, attrs), nil
	}

	acq := Acquisition{}
	if o.budget > 0 && res.Lock.Age >= o.budget {
		co.log.Debug("releasing abandoned session lock",
			"session_id", id, "lock_age", res.Lock.Age, "lock_cookie", res.Lock.Cookie)
		if err := co.store.ReleaseExclusive(ctx, id, res.Lock.Cookie); err != nil {
			co.metrics.errors.Add(ctx, 1, attrs)
			return Acquisition{}, fmt.Errorf("breaking abandoned lock: %w", err)
		}
		co.metrics.broken.Add(ctx, 1, attrs)
		acq.BrokeLock = true
	}

	res, polls, err := co.poll(ctx, id, mode, start, attrs)
	if err != nil {
		return Acquisition{}, err
	}
	acq.Result = res
	acq.Polls = polls
	acq.Waited = co.clock.Now().Sub(start)
	co.metrics.wait.Record(ctx, acq.Waited.Seconds(), attrs)
	return co.done(ctx, acq, attrs), nil
}

func (co *Coordinator) done(ctx context.Context, acq Acquisition, attrs metric.MeasurementOption) Acquisition {
	co.metrics.acquisitions.Add(ctx, 1, attrs,
		metric.WithAttributes(attribute.String("status", acq.Result.Status.String())))
	return acq
}

func (co *Coordinator) attempt(ctx context.Context, id string, mode Mode) (sessionstate.GetResult, error) {
	if mode == ModeReadOnly {
		return co.store.Get(ctx, id)
	}
	return co.store.GetExclusive(ctx, id)
}

// poll retries until the record is no longer locked. Attempts run on their
// own goroutine so ticks arriving meanwhile can be observed and dropped.
func (co *Coordinator) poll(
	ctx context.Context, id string, mode Mode, start time.Time, attrs metric.MeasurementOption,
) (sessionstate.GetResult, int, error) {
	limiter := rate.NewLimiter(rate.Every(co.cfg.MinPollSpacing), 1)
	limiter.AllowN(start, 1)

	ticker := co.clock.NewTicker(co.cfg.PollInterval)
	defer ticker.Stop()

	// In-flight attempts outlive a cancelled caller.
	callCtx := context.WithoutCancel(ctx)
	results := make(chan attemptResult, 1)
	var inFlight atomic.Bool
	polls := 0

	for {
		select {
		case <-ctx.Done():
			if inFlight.Load() {
				go co.abandon(callCtx, id, mode, results)
			}
			return sessionstate.GetResult{}, polls, ctx.Err()

		case now := <-ticker.Chan():
			if !inFlight.CompareAndSwap(false, true) {
				continue
			}
			if !limiter.AllowN(now, 1) {
				inFlight.Store(false)
				continue
			}
			polls++
			co.metrics.polls.Add(ctx, 1, attrs)
			go func() {
				res, err := co.attempt(callCtx, id, mode)
				results <- attemptResult{res: res, err: err}
			}()

		case r := <-results:
			inFlight.Store(false)
			if r.err != nil {
				co.metrics.errors.Add(ctx, 1, attrs)
				return sessionstate.GetResult{}, polls, r.err
			}
			if r.res.Status != sessionstate.StatusLocked {
				return r.res, polls, nil
			}
		}
	}
}

// abandon waits for the attempt a cancelled caller left behind and releases
// the lock it may have taken.
func (co *Coordinator) abandon(ctx context.Context, id string, mode Mode, results <-chan attemptResult) {
	r := <-results
	if r.err != nil || mode != ModeExclusive || r.res.Status != sessionstate.StatusFound {
		return
	}
	if err := co.store.ReleaseExclusive(ctx, id, r.res.Lock.Cookie); err != nil {
		co.log.Warn("releasing lock of abandoned acquisition failed", "session_id", id, "error", err)
	}
}
