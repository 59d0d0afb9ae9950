// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/statestore/pkg/sessionstate"
)

// Times are stored as UTC unix milliseconds and timeouts as seconds.
const (
	sqlTouch = `UPDATE sessions SET expires = ? + timeout * 1000 WHERE id = ? AND expires > ?`

	sqlAcquire = `UPDATE sessions SET locked = 1, lock_cookie = lock_cookie + 1, lock_date = ?
		WHERE id = ? AND locked = 0 AND expires > ?`

	sqlSelect = `SELECT locked, lock_date, ? - lock_date, lock_cookie, flags, item_short, item_long
		FROM sessions WHERE id = ? AND expires > ?`

	sqlClearUninitialized = `UPDATE sessions SET flags = flags & ~1 WHERE id = ? AND flags & 1 = 1`

	sqlRelease = `UPDATE sessions SET locked = 0, expires = ? + timeout * 1000
		WHERE id = ? AND lock_cookie = ? AND expires > ?`

	sqlGuard = `UPDATE sessions SET locked = locked WHERE id = ? AND lock_cookie = ? AND expires > ?`

	sqlStoredLong = `SELECT item_long IS NOT NULL FROM sessions WHERE id = ?`

	sqlUpdateShort = `UPDATE sessions SET item_short = ?, timeout = ?, expires = ?, locked = 0, flags = flags & ~1
		WHERE id = ?`
	sqlUpdateLong = `UPDATE sessions SET item_long = ?, timeout = ?, expires = ?, locked = 0, flags = flags & ~1
		WHERE id = ?`
	sqlUpdateShortNullLong = `UPDATE sessions SET item_short = ?, item_long = NULL, timeout = ?, expires = ?,
		locked = 0, flags = flags & ~1 WHERE id = ?`
	sqlUpdateLongNullShort = `UPDATE sessions SET item_long = ?, item_short = NULL, timeout = ?, expires = ?,
		locked = 0, flags = flags & ~1 WHERE id = ?`

	sqlInsert = `INSERT INTO sessions (id, created, expires, timeout, locked, lock_date, lock_cookie, flags, item_short, item_long)
		VALUES (?, ?, ?, ?, 0, ?, 0, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET created = excluded.created, expires = excluded.expires,
			timeout = excluded.timeout, locked = 0, lock_date = excluded.lock_date, flags = excluded.flags,
			item_short = excluded.item_short, item_long = excluded.item_long`

	// sqlInsertUninitialized only replaces a row that has already expired.
	sqlInsertUninitialized = sqlInsert + ` WHERE sessions.expires <= ?`

	sqlRemove = `DELETE FROM sessions WHERE id = ? AND lock_cookie = ?`

	sqlDeleteExpired = `DELETE FROM sessions WHERE expires <= ?`
)

// maxLockAge bounds a believable lock age. Anything outside [0, maxLockAge]
// comes from clock skew and is reported as zero.
const maxLockAge = 365 * 24 * time.Hour

func clampLockAge(d time.Duration) time.Duration {
	if d < 0 || d > maxLockAge {
		return 0
	}
	return d
}

// procs is the set of statements the backend issues, one method per
// operation. Each method runs inside the transaction it is handed.
type procs struct {
	threshold int
	now       func() time.Time
}

func (p *procs) nowMillis() int64 {
	return p.now().UTC().UnixMilli()
}

func timeoutSeconds(d time.Duration) int64 {
	return max(int64(d/time.Second), 1)
}

func (p *procs) isLong(data []byte) bool {
	return len(data) > p.threshold
}

// getItem reads id, taking the lock when exclusive is set.
func (p *procs) getItem(ctx context.Context, tx *sql.Tx, id string, exclusive bool) (sessionstate.GetResult, error) {
	now := p.nowMillis()
	if _, err := tx.ExecContext(ctx, sqlTouch, now, id, now); err != nil {
		return sessionstate.GetResult{}, fmt.Errorf("renewing expiry: %w", err)
	}

	owner := false
	if exclusive {
		res, err := tx.ExecContext(ctx, sqlAcquire, now, id, now)
		if err != nil {
			return sessionstate.GetResult{}, fmt.Errorf("acquiring lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return sessionstate.GetResult{}, err
		}
		owner = n == 1
	}

	var (
		locked          bool
		lockDate, ageMs int64
		cookie          int64
		flags           int64
		short, long     []byte
	)
	err := tx.QueryRowContext(ctx, sqlSelect, now, id, now).
		Scan(&locked, &lockDate, &ageMs, &cookie, &flags, &short, &long)
	if errors.Is(err, sql.ErrNoRows) {
		return sessionstate.GetResult{Status: sessionstate.StatusNotFound}, nil
	}
	if err != nil {
		return sessionstate.GetResult{}, fmt.Errorf("reading item: %w", err)
	}

	info := sessionstate.LockInfo{
		Locked:     locked,
		Cookie:     uint32(cookie), //nolint:gosec // lock_cookie only grows from zero in uint32 steps
		AcquiredAt: time.UnixMilli(lockDate).UTC(),
	}
	if locked {
		info.Age = clampLockAge(time.Duration(ageMs) * time.Millisecond)
	}
	if locked && !owner {
		return sessionstate.GetResult{Status: sessionstate.StatusLocked, Lock: info}, nil
	}

	res := sessionstate.GetResult{Status: sessionstate.StatusFound, Lock: info, Data: short}
	if long != nil {
		res.Data = long
	}
	if flags&int64(sessionstate.FlagUninitialized) != 0 {
		r, err := tx.ExecContext(ctx, sqlClearUninitialized, id)
		if err != nil {
			return sessionstate.GetResult{}, fmt.Errorf("clearing uninitialized flag: %w", err)
		}
		if n, err := r.RowsAffected(); err == nil && n == 1 {
			res.Actions |= sessionstate.ActionInitialize
		}
	}
	return res, nil
}

// releaseExclusive clears the lock held by cookie.
func (p *procs) releaseExclusive(ctx context.Context, tx *sql.Tx, id string, cookie uint32) error {
	now := p.nowMillis()
	_, err := tx.ExecContext(ctx, sqlRelease, now, id, cookie, now)
	return err
}

// insert stores data as a fresh unlocked row. With onlyIfAbsent a live row
// is left alone.
func (p *procs) insert(
	ctx context.Context, tx *sql.Tx, id string, data []byte, timeout time.Duration,
	flags sessionstate.ItemFlags, onlyIfAbsent bool,
) error {
	now := p.nowMillis()
	var short, long []byte
	if p.isLong(data) {
		long = data
	} else {
		short = nonNil(data)
	}
	args := []any{id, now, now + timeout.Milliseconds(), timeoutSeconds(timeout), now, int64(flags), short, long}
	query := sqlInsert
	if onlyIfAbsent {
		query = sqlInsertUninitialized
		args = append(args, now)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// update stores data under the lock held by cookie, moving the payload
// between the short and long columns when its size crosses the threshold.
func (p *procs) update(
	ctx context.Context, tx *sql.Tx, id string, data []byte, timeout time.Duration, cookie uint32,
) (sessionstate.WriteOutcome, error) {
	now := p.nowMillis()
	res, err := tx.ExecContext(ctx, sqlGuard, id, cookie, now)
	if err != nil {
		return sessionstate.WriteApplied, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return sessionstate.WriteApplied, err
	} else if n == 0 {
		return sessionstate.WriteOwnershipMismatch, nil
	}

	var wasLong bool
	if err := tx.QueryRowContext(ctx, sqlStoredLong, id).Scan(&wasLong); err != nil {
		return sessionstate.WriteApplied, fmt.Errorf("reading stored size: %w", err)
	}
	query := updateVariant(wasLong, p.isLong(data))
	if !p.isLong(data) {
		data = nonNil(data)
	}
	_, err = tx.ExecContext(ctx, query, data, timeoutSeconds(timeout), now+timeout.Milliseconds(), id)
	return sessionstate.WriteApplied, err
}

func updateVariant(wasLong, isLong bool) string {
	switch {
	case !wasLong && !isLong:
		return sqlUpdateShort
	case wasLong && isLong:
		return sqlUpdateLong
	case wasLong:
		return sqlUpdateShortNullLong
	default:
		return sqlUpdateLongNullShort
	}
}

// remove deletes id when cookie owns it.
func (*procs) remove(ctx context.Context, tx *sql.Tx, id string, cookie uint32) (sessionstate.WriteOutcome, error) {
	res, err := tx.ExecContext(ctx, sqlRemove, id, cookie)
	if err != nil {
		return sessionstate.WriteApplied, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sessionstate.WriteApplied, err
	}
	if n == 0 {
		return sessionstate.WriteOwnershipMismatch, nil
	}
	return sessionstate.WriteApplied, nil
}

// resetTimeout renews the expiry of id.
func (p *procs) resetTimeout(ctx context.Context, tx *sql.Tx, id string) error {
	now := p.nowMillis()
	_, err := tx.ExecContext(ctx, sqlTouch, now, id, now)
	return err
}

// deleteExpired removes every expired row and returns how many were removed.
func (p *procs) deleteExpired(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx, sqlDeleteExpired, p.nowMillis())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// nonNil keeps an empty short payload distinguishable from a NULL column.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
