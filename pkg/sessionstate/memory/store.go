// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package memory implements the session store on an in-process expiring
// cache. Each record carries its own reader/writer lock so contention stays
// per id; the cache provides sliding expiry and eviction notifications.
package memory

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/stacklok/statestore/pkg/logger"
	"github.com/stacklok/statestore/pkg/sessionstate"
)

const stripeCount = 64

// entry is the cached value for one session id. The cache never sees it
// change; every field below mu is guarded by it.
type entry struct {
	mu       sync.RWMutex
	data     []byte
	locked   bool
	cookie   uint32
	lockDate time.Time
	flags    sessionstate.ItemFlags
	timeout  time.Duration
	// dead is set once the entry has left the cache or is about to.
	dead bool
}

func (e *entry) lockInfo(now time.Time) sessionstate.LockInfo {
	info := sessionstate.LockInfo{Locked: e.locked, Cookie: e.cookie, AcquiredAt: e.lockDate}
	if e.locked {
		info.Age = max(now.Sub(e.lockDate), 0)
	}
	return info
}

// Store is the embedded session store.
type Store struct {
	cfg     sessionstate.StoreConfig
	cache   *ttlcache.Cache[string, *entry]
	now     func() time.Time
	log     *slog.Logger
	cookies atomic.Uint32
	expire  atomic.Pointer[sessionstate.ExpireCallback]

	// stripes serialize inserts and replacements of one id.
	stripes [stripeCount]sync.Mutex

	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for lock dates.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a Store and starts its expiry janitor. Close stops it.
func New(cfg sessionstate.StoreConfig, opts ...Option) *Store {
	s := &Store{
		cfg:   cfg,
		cache: ttlcache.New[string, *entry](ttlcache.WithTTL[string, *entry](cfg.ClampTimeout(cfg.Timeout))),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.For(s.log, "memory-store")
	s.cache.OnEviction(s.onEviction)
	go s.cache.Start()
	return s
}

func (s *Store) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.stripes[h.Sum32()%stripeCount]
}

// lookup returns the live entry for id, touching its expiry. A miss is
// confirmed under the id's stripe so a concurrent replacement is not seen
// as a missing record.
func (s *Store) lookup(id string, touch bool) *entry {
	if e := s.peek(id, touch); e != nil {
		return e
	}
	mu := s.stripe(id)
	mu.Lock()
	defer mu.Unlock()
	return s.peek(id, touch)
}

func (s *Store) peek(id string, touch bool) *entry {
	var opts []ttlcache.Option[string, *entry]
	if !touch {
		opts = append(opts, ttlcache.WithDisableTouchOnHit[string, *entry]())
	}
	item := s.cache.Get(id, opts...)
	if item == nil {
		return nil
	}
	return item.Value()
}

func (s *Store) validate(id string) error {
	return sessionstate.ValidateID(id, s.cfg.MaxIDLength)
}

// Get implements sessionstate.Store.
func (s *Store) Get(_ context.Context, id string) (sessionstate.GetResult, error) {
	return s.get(id, false)
}

// GetExclusive implements sessionstate.Store.
func (s *Store) GetExclusive(_ context.Context, id string) (sessionstate.GetResult, error) {
	return s.get(id, true)
}

func (s *Store) get(id string, exclusive bool) (sessionstate.GetResult, error) {
	if err := s.validate(id); err != nil {
		return sessionstate.GetResult{}, err
	}
	for {
		e := s.lookup(id, true)
		if e == nil {
			return sessionstate.GetResult{Status: sessionstate.StatusNotFound}, nil
		}
		if res, ok := s.getEntry(e, exclusive); ok {
			return res, nil
		}
		s.awaitReplace(id)
	}
}

// awaitReplace blocks until an in-progress replacement of id completes.
func (s *Store) awaitReplace(id string) {
	mu := s.stripe(id)
	mu.Lock()
	mu.Unlock() //nolint:staticcheck // empty critical section waits for the writer
}

// getEntry returns false when e died before it could be locked.
func (s *Store) getEntry(e *entry, exclusive bool) (sessionstate.GetResult, bool) {
	if !exclusive {
		e.mu.RLock()
		if e.dead {
			e.mu.RUnlock()
			return sessionstate.GetResult{}, false
		}
		if e.locked || e.flags&sessionstate.FlagUninitialized == 0 {
			defer e.mu.RUnlock()
			return s.result(e, false), true
		}
		e.mu.RUnlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return sessionstate.GetResult{}, false
	}
	if e.locked {
		return s.result(e, false), true
	}
	if exclusive {
		e.locked = true
		e.cookie = s.cookies.Add(1)
		e.lockDate = s.now()
	}
	res := s.result(e, exclusive)
	if e.flags&sessionstate.FlagUninitialized != 0 {
		e.flags &^= sessionstate.FlagUninitialized
		res.Actions |= sessionstate.ActionInitialize
	}
	return res, true
}

// result builds the get result for e. The caller holds e.mu.
func (s *Store) result(e *entry, owner bool) sessionstate.GetResult {
	res := sessionstate.GetResult{Lock: e.lockInfo(s.now())}
	if e.locked && !owner {
		res.Status = sessionstate.StatusLocked
		return res
	}
	res.Status = sessionstate.StatusFound
	res.Data = append([]byte(nil), e.data...)
	return res
}

// ReleaseExclusive implements sessionstate.Store.
func (s *Store) ReleaseExclusive(_ context.Context, id string, cookie uint32) error {
	if err := s.validate(id); err != nil {
		return err
	}
	e := s.lookup(id, true)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dead && e.locked && e.cookie == cookie {
		e.locked = false
	}
	return nil
}

// SetAndReleaseExclusive implements sessionstate.Store. A timeout change
// replaces the cache entry; the removal of the old entry is not reported as
// an expiry.
func (s *Store) SetAndReleaseExclusive(
	_ context.Context, id string, data []byte, timeout time.Duration, cookie uint32, isNew bool,
) (sessionstate.WriteOutcome, error) {
	if err := s.validate(id); err != nil {
		return sessionstate.WriteApplied, err
	}
	timeout = s.cfg.ClampTimeout(timeout)
	if isNew {
		s.replace(id, newEntry(data, timeout, 0), func(*entry) bool { return true })
		return sessionstate.WriteApplied, nil
	}

	owns := func(e *entry) bool { return e.cookie == cookie }
	for {
		e := s.lookup(id, true)
		if e == nil {
			return sessionstate.WriteOwnershipMismatch, nil
		}
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			s.awaitReplace(id)
			continue
		}
		if !owns(e) {
			e.mu.Unlock()
			return sessionstate.WriteOwnershipMismatch, nil
		}
		if e.timeout == timeout {
			e.data = append(e.data[:0:0], data...)
			e.locked = false
			e.flags &^= sessionstate.FlagUninitialized
			e.mu.Unlock()
			return sessionstate.WriteApplied, nil
		}
		e.mu.Unlock()

		fresh := newEntry(data, timeout, 0)
		if !s.replace(id, fresh, owns) {
			return sessionstate.WriteOwnershipMismatch, nil
		}
		return sessionstate.WriteApplied, nil
	}
}

func newEntry(data []byte, timeout time.Duration, flags sessionstate.ItemFlags) *entry {
	return &entry{data: append([]byte(nil), data...), timeout: timeout, flags: flags}
}

// replace swaps the entry for id with fresh if the current entry, when there
// is one, satisfies keep. The displaced entry is flagged so its eviction is
// not reported.
func (s *Store) replace(id string, fresh *entry, keep func(*entry) bool) bool {
	mu := s.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	if cur := s.peek(id, false); cur != nil {
		cur.mu.Lock()
		if !keep(cur) {
			cur.mu.Unlock()
			return false
		}
		cur.dead = true
		cur.flags |= sessionstate.FlagIgnoreExpiryNotification
		cur.mu.Unlock()
		s.cache.Delete(id)
	}
	s.cache.Set(id, fresh, fresh.timeout)
	return true
}

// RemoveItem implements sessionstate.Store.
func (s *Store) RemoveItem(_ context.Context, id string, cookie uint32) (sessionstate.WriteOutcome, error) {
	if err := s.validate(id); err != nil {
		return sessionstate.WriteApplied, err
	}
	mu := s.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	e := s.peek(id, false)
	if e == nil {
		return sessionstate.WriteOwnershipMismatch, nil
	}
	e.mu.Lock()
	if e.cookie != cookie {
		e.mu.Unlock()
		return sessionstate.WriteOwnershipMismatch, nil
	}
	e.dead = true
	e.mu.Unlock()
	s.cache.Delete(id)
	return sessionstate.WriteApplied, nil
}

// ResetItemTimeout implements sessionstate.Store.
func (s *Store) ResetItemTimeout(_ context.Context, id string) error {
	if err := s.validate(id); err != nil {
		return err
	}
	s.cache.Touch(id)
	return nil
}

// CreateUninitializedItem implements sessionstate.Store. An existing record
// is left untouched.
func (s *Store) CreateUninitializedItem(_ context.Context, id string, data []byte, timeout time.Duration) error {
	if err := s.validate(id); err != nil {
		return err
	}
	timeout = s.cfg.ClampTimeout(timeout)

	mu := s.stripe(id)
	mu.Lock()
	defer mu.Unlock()
	if s.peek(id, false) != nil {
		return nil
	}
	s.cache.Set(id, newEntry(data, timeout, sessionstate.FlagUninitialized), timeout)
	return nil
}

// SetExpireCallback implements sessionstate.Store. The callback runs for
// records that expire or are removed, but not for entries displaced by a
// timeout change.
func (s *Store) SetExpireCallback(cb sessionstate.ExpireCallback) bool {
	if cb == nil {
		s.expire.Store(nil)
		return true
	}
	s.expire.Store(&cb)
	return true
}

func (s *Store) onEviction(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *entry]) {
	e := item.Value()
	e.mu.Lock()
	e.dead = true
	ignore := e.flags&sessionstate.FlagIgnoreExpiryNotification != 0
	data := e.data
	e.mu.Unlock()

	if ignore {
		return
	}
	s.log.Debug("session record evicted", "id", item.Key(), "reason", evictionReason(reason))
	if cb := s.expire.Load(); cb != nil {
		(*cb)(item.Key(), data)
	}
}

func evictionReason(r ttlcache.EvictionReason) string {
	switch r {
	case ttlcache.EvictionReasonExpired:
		return "expired"
	case ttlcache.EvictionReasonDeleted:
		return "removed"
	default:
		return "capacity"
	}
}

// Count returns the number of records held, expired ones included until the
// janitor evicts them.
func (s *Store) Count() int {
	return s.cache.Len()
}

// Close stops the expiry janitor. Records stay readable.
func (s *Store) Close() error {
	s.closeOnce.Do(s.cache.Stop)
	return nil
}

var _ sessionstate.Store = (*Store)(nil)
