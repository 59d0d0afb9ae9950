// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle drives a session record through one request: acquire
// it through the coordinator, expose its items, then persist or release it.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	sserrors "github.com/stacklok/statestore/pkg/errors"
	"github.com/stacklok/statestore/pkg/logger"
	"github.com/stacklok/statestore/pkg/sessionstate"
	"github.com/stacklok/statestore/pkg/sessionstate/coordinator"
)

// Request describes what a request needs from its session.
type Request struct {
	// ID is the id the client presented, if any.
	ID string
	// Required is set when the handler uses session state. Requests that do
	// not only renew the expiry of a presented id.
	Required bool
	// ReadOnly requests read access. No lock is held and changes are dropped.
	ReadOnly bool
	// Redirect is set when the id travels in the URL, so a freshly issued id
	// must reach the client through a redirect.
	Redirect bool
	// ExecutionTimeout overrides the configured request budget.
	ExecutionTimeout time.Duration
}

// EndFunc observes sessions that end, by expiry or abandonment.
type EndFunc func(id string, rec *sessionstate.Record)

// Manager runs session lifecycles against one store.
type Manager struct {
	store             sessionstate.Store
	cfg               sessionstate.StoreConfig
	co                *coordinator.Coordinator
	ids               IDManager
	log               *slog.Logger
	onEnd             EndFunc
	placeholderOnMiss bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithIDManager replaces the default id manager.
func WithIDManager(ids IDManager) Option {
	return func(m *Manager) { m.ids = ids }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithCoordinator replaces the coordinator built from the store and config.
func WithCoordinator(co *coordinator.Coordinator) Option {
	return func(m *Manager) { m.co = co }
}

// WithOnEnd registers an observer for ended sessions. Backends that report
// expiry deliver expired records to it; abandoned sessions that were never
// stored are delivered by the manager itself.
func WithOnEnd(fn EndFunc) Option {
	return func(m *Manager) { m.onEnd = fn }
}

// WithPlaceholderOnMiss makes an exclusive request for an unknown id insert
// an uninitialized placeholder and acquire it, so concurrent requests for
// the same expired id converge on one record.
func WithPlaceholderOnMiss(enabled bool) Option {
	return func(m *Manager) { m.placeholderOnMiss = enabled }
}

// NewManager returns a Manager for store.
func NewManager(store sessionstate.Store, cfg sessionstate.StoreConfig, opts ...Option) *Manager {
	m := &Manager{store: store, cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logger.For(m.log, "session-lifecycle")
	if m.ids == nil {
		m.ids = NewIDManager(cfg.MaxIDLength)
	}
	if m.co == nil {
		m.co = coordinator.New(store, cfg, coordinator.WithLogger(m.log))
	}
	if m.onEnd != nil {
		if !store.SetExpireCallback(m.expired) {
			m.log.Debug("store does not report expired sessions")
		}
	}
	return m
}

func (m *Manager) expired(id string, data []byte) {
	rec, err := sessionstate.Decode(data, m.cfg.Compression)
	if err != nil {
		m.log.Warn("decoding expired session failed", "session_id", id, "error", err)
		return
	}
	m.onEnd(id, rec)
}

func unavailable(op string, err error) error {
	return sserrors.NewStateUnavailableError(op, err)
}

func (m *Manager) newSession(id string, readOnly bool) *Session {
	return &Session{
		id:       id,
		isNew:    true,
		readOnly: readOnly,
		compress: m.cfg.Compression,
		rec:      deferred,
		timeout:  m.cfg.ClampTimeout(m.cfg.Timeout),
	}
}

// Begin acquires the session for req. It returns a nil Session when the
// request does not use session state.
func (m *Manager) Begin(ctx context.Context, req Request) (*Session, error) {
	id := req.ID
	if id != "" && !m.ids.Validate(id) {
		m.log.Debug("ignoring malformed session id")
		id = ""
	}

	if !req.Required {
		if id != "" {
			if err := m.store.ResetItemTimeout(ctx, id); err != nil {
				return nil, unavailable("renewing session", err)
			}
		}
		return nil, nil
	}

	if id == "" {
		return m.issue(ctx, req)
	}

	mode := coordinator.ModeExclusive
	if req.ReadOnly {
		mode = coordinator.ModeReadOnly
	}
	var acqOpts []coordinator.AcquireOption
	if req.ExecutionTimeout > 0 {
		acqOpts = append(acqOpts, coordinator.WithExecutionTimeout(req.ExecutionTimeout))
	}

	acq, err := m.co.Acquire(ctx, id, mode, acqOpts...)
	if err != nil {
		return nil, unavailable("acquiring session", err)
	}
	if acq.Result.Status == sessionstate.StatusFound {
		return m.existing(id, req, acq.Result), nil
	}

	switch {
	case req.Redirect && m.cfg.RegenerateExpiredID:
		return m.issue(ctx, req)
	case m.placeholderOnMiss && !req.ReadOnly:
		if err := m.createPlaceholder(ctx, id); err != nil {
			return nil, err
		}
		acq, err = m.co.Acquire(ctx, id, mode, acqOpts...)
		if err != nil {
			return nil, unavailable("acquiring session", err)
		}
		if acq.Result.Status == sessionstate.StatusFound {
			return m.existing(id, req, acq.Result), nil
		}
	}
	return m.newSession(id, req.ReadOnly), nil
}

// issue starts a session under a fresh id. A redirecting client gets a
// placeholder to find on its next request.
func (m *Manager) issue(ctx context.Context, req Request) (*Session, error) {
	id, err := m.ids.CreateID(ctx)
	if err != nil {
		return nil, unavailable("creating session id", err)
	}
	s := m.newSession(id, req.ReadOnly)
	if req.Redirect {
		if err := m.createPlaceholder(ctx, id); err != nil {
			return nil, err
		}
		s.stored = true
		s.needsRedirect = true
	}
	return s, nil
}

func (m *Manager) createPlaceholder(ctx context.Context, id string) error {
	timeout := m.cfg.ClampTimeout(m.cfg.Timeout)
	data, err := sessionstate.Encode(sessionstate.NewRecord(timeout), m.cfg.Compression)
	if err != nil {
		return unavailable("encoding placeholder", err)
	}
	if err := m.store.CreateUninitializedItem(ctx, id, data, timeout); err != nil {
		return unavailable("creating placeholder", err)
	}
	return nil
}

func (m *Manager) existing(id string, req Request, res sessionstate.GetResult) *Session {
	s := m.newSession(id, req.ReadOnly)
	s.isNew = res.Actions&sessionstate.ActionInitialize != 0
	s.stored = true
	s.raw = res.Data
	if !req.ReadOnly && res.Lock.Locked {
		s.locked = true
		s.cookie = res.Lock.Cookie
	}
	return s
}

// End persists or releases s. Losing the lock to another request is not an
// error: the write is dropped and logged.
func (m *Manager) End(ctx context.Context, s *Session) error {
	if s == nil || s.ended {
		return nil
	}
	s.ended = true

	if s.abandoned {
		return m.remove(ctx, s)
	}
	if s.readOnly {
		return decodeFailure(s)
	}
	if s.decodeErr != nil {
		m.log.Warn("stored session is unreadable", "session_id", s.id, "error", s.decodeErr)
		if s.locked {
			if err := m.store.ReleaseExclusive(ctx, s.id, s.cookie); err != nil {
				return unavailable("releasing session", err)
			}
		}
		return decodeFailure(s)
	}
	if s.changed() {
		return m.persist(ctx, s)
	}
	if s.locked {
		if err := m.store.ReleaseExclusive(ctx, s.id, s.cookie); err != nil {
			return unavailable("releasing session", err)
		}
	}
	return nil
}

func decodeFailure(s *Session) error {
	if s.decodeErr == nil {
		return nil
	}
	return unavailable("decoding session", s.decodeErr)
}

func (m *Manager) persist(ctx context.Context, s *Session) error {
	rec, err := s.record()
	if err != nil {
		return unavailable("decoding session", err)
	}
	timeout := m.cfg.ClampTimeout(s.timeout)
	rec.Timeout = timeout
	data, err := sessionstate.Encode(rec, m.cfg.Compression)
	if err != nil {
		return unavailable("encoding session", err)
	}
	outcome, err := m.store.SetAndReleaseExclusive(ctx, s.id, data, timeout, s.cookie, !s.locked)
	if err != nil {
		return unavailable("storing session", err)
	}
	if outcome == sessionstate.WriteOwnershipMismatch {
		m.log.Debug("session lock lost, write dropped", "session_id", s.id, "lock_cookie", s.cookie)
	}
	rec.Items.MarkClean()
	return nil
}

func (m *Manager) remove(ctx context.Context, s *Session) error {
	if !s.stored {
		if m.onEnd != nil {
			rec, err := s.record()
			if err != nil {
				return unavailable("decoding session", err)
			}
			m.onEnd(s.id, rec)
		}
		return nil
	}
	if !s.locked {
		m.log.Debug("abandoned session is not locked by this request, left to expire", "session_id", s.id)
		return nil
	}
	outcome, err := m.store.RemoveItem(ctx, s.id, s.cookie)
	if err != nil {
		return unavailable("removing session", err)
	}
	if outcome == sessionstate.WriteOwnershipMismatch {
		m.log.Debug("session lock lost, removal dropped", "session_id", s.id, "lock_cookie", s.cookie)
	}
	return nil
}

// Touch renews the expiry of id without reading it.
func (m *Manager) Touch(ctx context.Context, id string) error {
	if err := m.store.ResetItemTimeout(ctx, id); err != nil {
		return unavailable("renewing session", err)
	}
	return nil
}
