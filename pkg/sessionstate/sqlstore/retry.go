// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// fault classifies a database error for retry purposes.
type fault int

const (
	// faultFatal is not retried.
	faultFatal fault = iota
	// faultTransient is retried as is.
	faultTransient
	// faultConnection is retried after the connection pool is cleared.
	faultConnection
)

func classify(err error) fault {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return faultConnection
	}
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return faultFatal
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED, sqlite3lib.SQLITE_PROTOCOL:
		return faultTransient
	case sqlite3lib.SQLITE_IOERR, sqlite3lib.SQLITE_CANTOPEN:
		return faultConnection
	}
	return faultFatal
}

// retrySchedule waits initial before the first retry and interval before
// every later one.
type retrySchedule struct {
	initial  time.Duration
	interval time.Duration
	retried  bool
}

func (r *retrySchedule) NextBackOff() time.Duration {
	if !r.retried {
		r.retried = true
		return r.initial
	}
	return r.interval
}

func (r *retrySchedule) Reset() { r.retried = false }

// retryOptions returns the backoff options for one operation. A zero window
// allows a single try.
func (s *Store) retryOptions(partition string) []backoff.RetryOption {
	sc := s.cfg.SQL
	if sc.RetryWindow <= 0 {
		return []backoff.RetryOption{backoff.WithMaxTries(1)}
	}
	return []backoff.RetryOption{
		backoff.WithBackOff(&retrySchedule{initial: sc.RetryInitialDelay, interval: sc.RetryInterval}),
		backoff.WithMaxElapsedTime(sc.RetryWindow),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.log.Debug("retrying sql operation", "partition", partition, "wait", wait, "error", err)
		}),
	}
}

// clearPool drops the idle connections of db. Only one caller clears at a
// time; concurrent callers skip.
func (s *Store) clearPool(partition string, db *sql.DB) {
	if !s.clearing.CompareAndSwap(false, true) {
		return
	}
	defer s.clearing.Store(false)
	s.log.Warn("clearing connection pool", "partition", partition)
	db.SetMaxIdleConns(0)
	db.SetMaxIdleConns(maxIdleConns)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
