// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"time"

	"github.com/stacklok/statestore/pkg/sessionstate"
)

// deferred marks a session whose record has not been needed yet. New
// sessions still pointing at it at the end of the request were never
// touched and are not persisted.
var deferred = &sessionstate.Record{}

// Session is the state of one request's session between Begin and End. It
// is not safe for concurrent use.
type Session struct {
	id            string
	isNew         bool
	readOnly      bool
	needsRedirect bool

	// locked is set while this request holds the record lock.
	locked bool
	cookie uint32
	// stored is set when a record for id exists in the store.
	stored bool

	raw      []byte
	compress bool
	rec      *sessionstate.Record

	timeout        time.Duration
	timeoutChanged bool
	staticTouched  bool
	abandoned      bool
	ended          bool
	// decodeErr is the last failure to decode raw. End reports it.
	decodeErr error
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// IsNew reports whether the session was created by this request.
func (s *Session) IsNew() bool { return s.isNew }

// IsReadOnly reports whether changes made by this request are discarded.
func (s *Session) IsReadOnly() bool { return s.readOnly }

// NeedsRedirect reports whether the caller must redirect so the client
// learns a freshly issued id before any content is produced.
func (s *Session) NeedsRedirect() bool { return s.needsRedirect }

// IsAbandoned reports whether Abandon was called.
func (s *Session) IsAbandoned() bool { return s.abandoned }

// Abandon ends the session. Its record is removed at End.
func (s *Session) Abandon() { s.abandoned = true }

// Timeout returns the sliding expiry of the session. The stored value is
// known once the record decodes; until then the configured default is
// returned and the failure is reported by End.
func (s *Session) Timeout() time.Duration {
	s.loadTimeout()
	return s.timeout
}

// SetTimeout changes the sliding expiry of the session.
func (s *Session) SetTimeout(d time.Duration) {
	s.loadTimeout()
	if d != s.timeout {
		s.timeout = d
		s.timeoutChanged = true
	}
}

// loadTimeout decodes a stored record so s.timeout holds its timeout.
func (s *Session) loadTimeout() {
	if s.rec == deferred && s.raw != nil {
		_, _ = s.record()
	}
}

// Items returns the session items, decoding the record on first use.
func (s *Session) Items() (*sessionstate.Items, error) {
	rec, err := s.record()
	if err != nil {
		return nil, err
	}
	return rec.Items, nil
}

// StaticObjects returns the opaque application-scoped blob.
func (s *Session) StaticObjects() ([]byte, error) {
	rec, err := s.record()
	if err != nil {
		return nil, err
	}
	return rec.StaticObjects, nil
}

// SetStaticObjects replaces the opaque application-scoped blob.
func (s *Session) SetStaticObjects(b []byte) error {
	rec, err := s.record()
	if err != nil {
		return err
	}
	rec.StaticObjects = b
	s.staticTouched = true
	return nil
}

func (s *Session) record() (*sessionstate.Record, error) {
	if s.rec != deferred {
		return s.rec, nil
	}
	if s.raw == nil {
		s.rec = sessionstate.NewRecord(s.timeout)
		return s.rec, nil
	}
	rec, err := sessionstate.Decode(s.raw, s.compress)
	if err != nil {
		s.decodeErr = err
		return nil, err
	}
	s.decodeErr = nil
	if !s.timeoutChanged && rec.Timeout > 0 {
		s.timeout = rec.Timeout
	}
	s.rec, s.raw = rec, nil
	return rec, nil
}

// touched reports whether the record was ever needed.
func (s *Session) touched() bool { return s.rec != deferred }

func (s *Session) changed() bool {
	if s.timeoutChanged || s.staticTouched {
		return true
	}
	if !s.touched() {
		return false
	}
	return s.isNew || s.rec.Items.Dirty()
}
