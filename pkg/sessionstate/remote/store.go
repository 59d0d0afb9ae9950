// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"net/http"
	"time"

	"github.com/stacklok/statestore/pkg/sessionstate"
	"github.com/stacklok/statestore/pkg/sessionstate/wire"
)

// Get implements sessionstate.Store.
func (s *Store) Get(ctx context.Context, id string) (sessionstate.GetResult, error) {
	return s.get(ctx, id, "")
}

// GetExclusive implements sessionstate.Store.
func (s *Store) GetExclusive(ctx context.Context, id string) (sessionstate.GetResult, error) {
	return s.get(ctx, id, wire.ExclusiveAcquire)
}

func (s *Store) get(ctx context.Context, id, exclusive string) (sessionstate.GetResult, error) {
	req := sessionRequest(http.MethodGet, id)
	if exclusive != "" {
		req.header.Set(wire.HeaderExclusive, exclusive)
	}
	rep, err := s.do(ctx, id, req)
	if err != nil {
		return sessionstate.GetResult{}, err
	}

	switch rep.status {
	case http.StatusNotFound:
		return sessionstate.GetResult{Status: sessionstate.StatusNotFound}, nil
	case http.StatusLocked:
		return sessionstate.GetResult{Status: sessionstate.StatusLocked, Lock: lockInfo(rep.header, true)}, nil
	case http.StatusOK:
		res := sessionstate.GetResult{
			Status: sessionstate.StatusFound,
			Data:   rep.body,
			Lock:   lockInfo(rep.header, exclusive == wire.ExclusiveAcquire),
		}
		if v := rep.header.Get(wire.HeaderActionFlags); v != "" {
			flags, err := wire.ParseUint(wire.HeaderActionFlags, v)
			if err != nil {
				return sessionstate.GetResult{}, unexpected(s.parts.Resolve(id), rep)
			}
			res.Actions = sessionstate.ActionFlags(flags)
		}
		return res, nil
	}
	return sessionstate.GetResult{}, unexpected(s.parts.Resolve(id), rep)
}

// lockInfo reads lock headers. Malformed optional values are left zero.
func lockInfo(h http.Header, locked bool) sessionstate.LockInfo {
	info := sessionstate.LockInfo{Locked: locked}
	if v := h.Get(wire.HeaderLockCookie); v != "" {
		info.Cookie, _ = wire.ParseUint(wire.HeaderLockCookie, v)
	}
	if v := h.Get(wire.HeaderLockDate); v != "" {
		info.AcquiredAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := h.Get(wire.HeaderLockAge); v != "" {
		info.Age, _ = wire.ParseLockAge(v)
	}
	return info
}

// ReleaseExclusive implements sessionstate.Store.
func (s *Store) ReleaseExclusive(ctx context.Context, id string, cookie uint32) error {
	req := sessionRequest(http.MethodGet, id)
	req.header.Set(wire.HeaderExclusive, wire.ExclusiveRelease)
	req.header.Set(wire.HeaderLockCookie, wire.FormatUint(cookie))
	rep, err := s.do(ctx, id, req)
	if err != nil {
		return err
	}
	switch rep.status {
	case http.StatusOK, http.StatusNotFound, http.StatusLocked:
		return nil
	}
	return unexpected(s.parts.Resolve(id), rep)
}

// SetAndReleaseExclusive implements sessionstate.Store.
func (s *Store) SetAndReleaseExclusive(
	ctx context.Context, id string, data []byte, timeout time.Duration, cookie uint32, isNew bool,
) (sessionstate.WriteOutcome, error) {
	req := sessionRequest(http.MethodPut, id)
	req.body = data
	req.header.Set(wire.HeaderTimeout, wire.FormatTimeout(s.cfg.ClampTimeout(timeout)))
	if !isNew {
		req.header.Set(wire.HeaderLockCookie, wire.FormatUint(cookie))
	}
	return s.write(ctx, id, req)
}

// RemoveItem implements sessionstate.Store.
func (s *Store) RemoveItem(ctx context.Context, id string, cookie uint32) (sessionstate.WriteOutcome, error) {
	req := sessionRequest(http.MethodDelete, id)
	req.header.Set(wire.HeaderLockCookie, wire.FormatUint(cookie))
	return s.write(ctx, id, req)
}

func (s *Store) write(ctx context.Context, id string, req request) (sessionstate.WriteOutcome, error) {
	rep, err := s.do(ctx, id, req)
	if err != nil {
		return sessionstate.WriteApplied, err
	}
	switch rep.status {
	case http.StatusOK:
		return sessionstate.WriteApplied, nil
	case http.StatusLocked, http.StatusNotFound:
		return sessionstate.WriteOwnershipMismatch, nil
	}
	return sessionstate.WriteApplied, unexpected(s.parts.Resolve(id), rep)
}

// ResetItemTimeout implements sessionstate.Store.
func (s *Store) ResetItemTimeout(ctx context.Context, id string) error {
	rep, err := s.do(ctx, id, sessionRequest(http.MethodHead, id))
	if err != nil {
		return err
	}
	switch rep.status {
	case http.StatusOK, http.StatusNotFound:
		return nil
	}
	return unexpected(s.parts.Resolve(id), rep)
}

// CreateUninitializedItem implements sessionstate.Store.
func (s *Store) CreateUninitializedItem(ctx context.Context, id string, data []byte, timeout time.Duration) error {
	req := sessionRequest(http.MethodPut, id)
	req.body = data
	req.header.Set(wire.HeaderTimeout, wire.FormatTimeout(s.cfg.ClampTimeout(timeout)))
	req.header.Set(wire.HeaderExtraFlags, wire.FormatUint(uint32(sessionstate.FlagUninitialized)))
	rep, err := s.do(ctx, id, req)
	if err != nil {
		return err
	}
	if rep.status != http.StatusOK {
		return unexpected(s.parts.Resolve(id), rep)
	}
	return nil
}

// SetExpireCallback implements sessionstate.Store. The service does not
// report expiry, so it always returns false.
func (*Store) SetExpireCallback(sessionstate.ExpireCallback) bool {
	return false
}

// Close releases pooled connections.
func (s *Store) Close() error {
	return s.parts.Close()
}

var _ sessionstate.Store = (*Store)(nil)
