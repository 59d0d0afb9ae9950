// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sessionstate defines the session record model, the contract every
// session store backend implements and the codec that turns records into the
// bytes the backends persist.
package sessionstate

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=types.go Store

import (
	"context"
	"time"
)

// Status is the outcome of a get against a backend.
type Status int

const (
	// StatusNotFound means no record exists for the id.
	StatusNotFound Status = iota
	// StatusFound means the record was returned (and locked, for exclusive gets).
	StatusFound
	// StatusLocked means another holder owns the lock. No data is returned.
	StatusLocked
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusLocked:
		return "locked"
	default:
		return "not_found"
	}
}

// WriteOutcome is the result of a write or remove guarded by a lock cookie.
type WriteOutcome int

const (
	// WriteApplied means the write took effect.
	WriteApplied WriteOutcome = iota
	// WriteOwnershipMismatch means the caller no longer owns the lock and the
	// write was discarded.
	WriteOwnershipMismatch
)

func (o WriteOutcome) String() string {
	if o == WriteOwnershipMismatch {
		return "ownership_mismatch"
	}
	return "applied"
}

// ItemFlags are persisted alongside a record.
type ItemFlags int

const (
	// FlagUninitialized marks a placeholder created ahead of a redirect.
	FlagUninitialized ItemFlags = 1 << iota
	// FlagIgnoreExpiryNotification suppresses the expiry callback for a removal
	// that is part of a replace.
	FlagIgnoreExpiryNotification
)

// ActionFlags describe side effects of a get.
type ActionFlags int

// ActionInitialize reports that this get cleared FlagUninitialized and the
// caller must treat the session as new.
const ActionInitialize ActionFlags = 1

// LockInfo describes the lock on a record.
type LockInfo struct {
	Locked     bool
	Cookie     uint32
	AcquiredAt time.Time
	Age        time.Duration
}

// GetResult is returned by Get and GetExclusive. Data is only set for
// StatusFound; Lock is set for StatusFound and StatusLocked.
type GetResult struct {
	Status  Status
	Data    []byte
	Lock    LockInfo
	Actions ActionFlags
}

// ExpireCallback is invoked when a backend expires or evicts a record on its
// own. data is the last persisted encoding.
type ExpireCallback func(id string, data []byte)

// Store is the exclusive item store implemented by every backend. Backends
// hold encoded records; see Encode and Decode.
//
// Lock contention and lost ownership are reported through GetResult.Status
// and WriteOutcome. Errors are reserved for faults.
type Store interface {
	// Get reads a record without taking the lock.
	Get(ctx context.Context, id string) (GetResult, error)
	// GetExclusive atomically takes the lock and reads the record.
	GetExclusive(ctx context.Context, id string) (GetResult, error)
	// ReleaseExclusive clears the lock if cookie still owns it.
	ReleaseExclusive(ctx context.Context, id string, cookie uint32) error
	// SetAndReleaseExclusive stores data and clears the lock. Unless isNew is
	// set the write only applies when cookie still owns the lock.
	SetAndReleaseExclusive(ctx context.Context, id string, data []byte, timeout time.Duration, cookie uint32, isNew bool) (WriteOutcome, error)
	// RemoveItem deletes the record if cookie owns its lock.
	RemoveItem(ctx context.Context, id string, cookie uint32) (WriteOutcome, error)
	// ResetItemTimeout renews the expiry of a record without touching it.
	ResetItemTimeout(ctx context.Context, id string) error
	// CreateUninitializedItem inserts a placeholder unless a record exists.
	CreateUninitializedItem(ctx context.Context, id string, data []byte, timeout time.Duration) error
	// SetExpireCallback registers cb and reports whether the backend can
	// deliver expiry notifications.
	SetExpireCallback(cb ExpireCallback) bool
	// Close releases the backend's resources.
	Close() error
}
