// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlstore implements the session store on SQLite. Every partition
// is its own database, opened lazily and migrated on first use. Each
// operation runs in one transaction and transient faults are retried within
// a configured window.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	sserrors "github.com/stacklok/statestore/pkg/errors"
	"github.com/stacklok/statestore/pkg/logger"
	"github.com/stacklok/statestore/pkg/sessionstate"
	"github.com/stacklok/statestore/pkg/sessionstate/partition"
)

const (
	maxIdleConns = 4
	// maxBlobSize is the largest value SQLite stores by default.
	maxBlobSize = 1_000_000_000
)

// Store is the relational session store.
type Store struct {
	cfg      sessionstate.StoreConfig
	parts    *partition.Set[*sql.DB]
	resolver partition.Resolver
	procs    procs
	log      *slog.Logger
	maxSize  int
	clearing atomic.Bool

	stop      chan struct{}
	sweeping  sync.WaitGroup
	closeOnce sync.Once
}

var _ sessionstate.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock sets the time source for expiry and lock dates.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.procs.now = now }
}

// WithResolver replaces the default hash resolver over cfg.SQL.Partitions.
func WithResolver(r partition.Resolver) Option {
	return func(s *Store) { s.resolver = r }
}

// WithMaxRecordSize lowers the largest storable record.
func WithMaxRecordSize(n int) Option {
	return func(s *Store) { s.maxSize = n }
}

// New returns a Store over the databases named in cfg.SQL.Partitions. When
// cfg.SQL.SweepInterval is positive a background sweeper removes expired
// records until Close.
func New(cfg sessionstate.StoreConfig, opts ...Option) (*Store, error) {
	s := &Store{
		cfg:     cfg,
		procs:   procs{threshold: cfg.SQL.LongItemThreshold, now: time.Now},
		maxSize: maxBlobSize,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.For(s.log, "sql-store")
	if s.resolver == nil {
		r, err := partition.NewHashResolver(cfg.SQL.Partitions)
		if err != nil {
			return nil, err
		}
		s.resolver = r
	}
	s.parts = partition.NewSet(s.resolver, s.open, func(db *sql.DB) error { return db.Close() })

	if cfg.SQL.SweepInterval > 0 {
		s.sweeping.Add(1)
		go s.sweep(cfg.SQL.SweepInterval)
	}
	return s, nil
}

func (s *Store) open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(s.cfg.SQL.IdleLifetime)
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// run executes op in a transaction on the partition owning id, retrying
// transient faults.
func (s *Store) run(ctx context.Context, id string, op func(context.Context, *sql.Tx) error) error {
	if err := sessionstate.ValidateID(id, s.cfg.MaxIDLength); err != nil {
		return err
	}
	return s.runOn(ctx, s.parts.Resolve(id), op)
}

func (s *Store) runOn(ctx context.Context, p string, op func(context.Context, *sql.Tx) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		db, err := s.parts.Get(ctx, p)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		err = inTx(ctx, db, op)
		if err == nil {
			return struct{}{}, nil
		}
		if isContextErr(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		switch classify(err) {
		case faultConnection:
			s.clearPool(p, db)
			return struct{}{}, sserrors.NewTransientConnectionError(p, "database connection failed", err)
		case faultTransient:
			return struct{}{}, sserrors.NewTransientConnectionError(p, "database busy", err)
		}
		return struct{}{}, backoff.Permanent(sserrors.NewInternalError("sql operation failed", err))
	}, s.retryOptions(p)...)
	return err
}

func inTx(ctx context.Context, db *sql.DB, op func(context.Context, *sql.Tx) error) (retErr error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := op(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Get implements sessionstate.Store.
func (s *Store) Get(ctx context.Context, id string) (sessionstate.GetResult, error) {
	return s.get(ctx, id, false)
}

// GetExclusive implements sessionstate.Store.
func (s *Store) GetExclusive(ctx context.Context, id string) (sessionstate.GetResult, error) {
	return s.get(ctx, id, true)
}

func (s *Store) get(ctx context.Context, id string, exclusive bool) (sessionstate.GetResult, error) {
	var res sessionstate.GetResult
	err := s.run(ctx, id, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		res, err = s.procs.getItem(ctx, tx, id, exclusive)
		return err
	})
	return res, err
}

// ReleaseExclusive implements sessionstate.Store.
func (s *Store) ReleaseExclusive(ctx context.Context, id string, cookie uint32) error {
	return s.run(ctx, id, func(ctx context.Context, tx *sql.Tx) error {
		return s.procs.releaseExclusive(ctx, tx, id, cookie)
	})
}

func (s *Store) checkSize(data []byte) error {
	if len(data) > s.maxSize {
		return sserrors.NewRecordTooLargeError(
			fmt.Sprintf("record of %d bytes exceeds the %d byte limit", len(data), s.maxSize), nil)
	}
	return nil
}

// SetAndReleaseExclusive implements sessionstate.Store.
func (s *Store) SetAndReleaseExclusive(
	ctx context.Context, id string, data []byte, timeout time.Duration, cookie uint32, isNew bool,
) (sessionstate.WriteOutcome, error) {
	if err := s.checkSize(data); err != nil {
		return sessionstate.WriteApplied, err
	}
	timeout = s.cfg.ClampTimeout(timeout)
	outcome := sessionstate.WriteApplied
	err := s.run(ctx, id, func(ctx context.Context, tx *sql.Tx) error {
		if isNew {
			outcome = sessionstate.WriteApplied
			return s.procs.insert(ctx, tx, id, data, timeout, 0, false)
		}
		var err error
		outcome, err = s.procs.update(ctx, tx, id, data, timeout, cookie)
		return err
	})
	return outcome, err
}

// RemoveItem implements sessionstate.Store.
func (s *Store) RemoveItem(ctx context.Context, id string, cookie uint32) (sessionstate.WriteOutcome, error) {
	outcome := sessionstate.WriteApplied
	err := s.run(ctx, id, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		outcome, err = s.procs.remove(ctx, tx, id, cookie)
		return err
	})
	return outcome, err
}

// ResetItemTimeout implements sessionstate.Store.
func (s *Store) ResetItemTimeout(ctx context.Context, id string) error {
	return s.run(ctx, id, func(ctx context.Context, tx *sql.Tx) error {
		return s.procs.resetTimeout(ctx, tx, id)
	})
}

// CreateUninitializedItem implements sessionstate.Store.
func (s *Store) CreateUninitializedItem(ctx context.Context, id string, data []byte, timeout time.Duration) error {
	if err := s.checkSize(data); err != nil {
		return err
	}
	timeout = s.cfg.ClampTimeout(timeout)
	return s.run(ctx, id, func(ctx context.Context, tx *sql.Tx) error {
		return s.procs.insert(ctx, tx, id, data, timeout, sessionstate.FlagUninitialized, true)
	})
}

// SetExpireCallback reports false: expired rows are swept without notice.
func (*Store) SetExpireCallback(sessionstate.ExpireCallback) bool {
	return false
}

// DeleteExpired removes expired records from every opened partition and
// returns how many were removed.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	var total int64
	for _, p := range s.parts.Opened() {
		var n int64
		err := s.runOn(ctx, p, func(ctx context.Context, tx *sql.Tx) error {
			var err error
			n, err = s.procs.deleteExpired(ctx, tx)
			return err
		})
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Store) sweep(interval time.Duration) {
	defer s.sweeping.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			n, err := s.DeleteExpired(context.Background())
			if err != nil {
				s.log.Warn("sweeping expired sessions failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Debug("swept expired sessions", "count", n)
			}
		}
	}
}

// Close stops the sweeper and closes every opened database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.sweeping.Wait()
		err = s.parts.Close()
	})
	return err
}
