// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package remote implements the session store as a client of one or more
// state service partitions.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	sserrors "github.com/stacklok/statestore/pkg/errors"
	"github.com/stacklok/statestore/pkg/logger"
	"github.com/stacklok/statestore/pkg/sessionstate"
	"github.com/stacklok/statestore/pkg/sessionstate/partition"
	"github.com/stacklok/statestore/pkg/sessionstate/wire"
)

// maxAttempts bounds the tries of a request whose pooled connection turned
// out to be dead before the request reached the service.
const maxAttempts = 2

// endpoint is the client side of one partition.
type endpoint struct {
	base      *url.URL
	transport *http.Transport
	client    *http.Client

	mu       sync.Mutex
	verified bool
}

func (e *endpoint) isVerified() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verified
}

func (e *endpoint) setVerified() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.verified = true
}

// Store is the remote session store.
type Store struct {
	cfg        sessionstate.StoreConfig
	parts      *partition.Set[*endpoint]
	handshakes singleflight.Group
	log        *slog.Logger
	resolver   partition.Resolver
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithResolver replaces the default hash resolver over cfg.Remote.Partitions.
func WithResolver(r partition.Resolver) Option {
	return func(s *Store) { s.resolver = r }
}

// New returns a Store for the partitions in cfg.Remote. No connection is
// made until the first request.
func New(cfg sessionstate.StoreConfig, opts ...Option) (*Store, error) {
	s := &Store{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.For(s.log, "remote-store")
	if s.resolver == nil {
		r, err := partition.NewHashResolver(cfg.Remote.Partitions)
		if err != nil {
			return nil, err
		}
		s.resolver = r
	}
	s.parts = partition.NewSet(s.resolver, s.open, func(e *endpoint) error {
		e.transport.CloseIdleConnections()
		return nil
	})
	return s, nil
}

func (s *Store) open(_ context.Context, p string) (*endpoint, error) {
	base, err := url.Parse(p)
	if err != nil {
		return nil, err
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("partition %q is not an http(s) URL", p)
	}
	timeout := s.cfg.Remote.Timeout
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       s.cfg.Remote.IdleLifetime,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   timeout,
	}
	return &endpoint{
		base:      base,
		transport: transport,
		client:    &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

// reply is a fully read response.
type reply struct {
	status int
	header http.Header
	body   []byte
}

type request struct {
	method string
	path   string
	header http.Header
	body   []byte
}

func sessionRequest(method, id string) request {
	return request{method: method, path: wire.SessionsPath + "/" + id, header: http.Header{}}
}

// do sends req to the partition owning id.
func (s *Store) do(ctx context.Context, id string, req request) (reply, error) {
	if err := sessionstate.ValidateID(id, s.cfg.MaxIDLength); err != nil {
		return reply{}, err
	}
	ep, p, err := s.parts.For(ctx, id)
	if err != nil {
		return reply{}, err
	}
	if err := s.handshake(ctx, p, ep); err != nil {
		return reply{}, err
	}
	return s.send(ctx, p, ep, req)
}

// send performs req with one retry when a reused connection failed before the
// request was written.
func (s *Store) send(ctx context.Context, p string, ep *endpoint, req request) (reply, error) {
	return backoff.Retry(ctx, func() (reply, error) {
		rep, retry, err := s.roundTrip(ctx, p, ep, req)
		if err != nil && !retry {
			return reply{}, backoff.Permanent(err)
		}
		return rep, err
	},
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithNotify(func(err error, _ time.Duration) {
			s.log.Debug("retrying state service request", "partition", p, "error", err)
		}),
	)
}

// roundTrip performs one attempt and classifies a failure by the phase the
// request reached. Any failure drops the partition's endpoint and its idle
// connections.
func (s *Store) roundTrip(ctx context.Context, p string, ep *endpoint, req request) (reply, bool, error) {
	target := ep.base.JoinPath(req.path)
	hreq, err := http.NewRequestWithContext(ctx, req.method, target.String(), bytes.NewReader(req.body))
	if err != nil {
		return reply{}, false, sserrors.NewConnectionError(p, sserrors.PhaseInitializing, "building request", err)
	}
	for k, v := range req.header {
		hreq.Header[k] = v
	}

	var (
		mu     sync.Mutex
		phase  = sserrors.PhaseInitializing
		reused bool
	)
	setPhase := func(ph sserrors.Phase) {
		mu.Lock()
		defer mu.Unlock()
		phase = ph
	}
	trace := &httptrace.ClientTrace{
		GetConn: func(string) { setPhase(sserrors.PhaseConnecting) },
		GotConn: func(info httptrace.GotConnInfo) {
			mu.Lock()
			defer mu.Unlock()
			reused = info.Reused
			phase = sserrors.PhaseSending
		},
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				setPhase(sserrors.PhaseReading)
			}
		},
	}
	hreq = hreq.WithContext(httptrace.WithClientTrace(ctx, trace))

	fail := func(msg string, cause error) (reply, bool, error) {
		// The next request opens a fresh endpoint and repeats the handshake.
		if err := s.parts.Invalidate(p); err != nil {
			s.log.Debug("dropping partition endpoint failed", "partition", p, "error", err)
		}
		ep.transport.CloseIdleConnections()
		mu.Lock()
		ph, wasReused := phase, reused
		mu.Unlock()
		s.log.Warn("state service request failed", "partition", p, "phase", ph, "error", cause)
		retry := ctx.Err() == nil && (ph == sserrors.PhaseConnecting || ph == sserrors.PhaseSending && wasReused)
		return reply{}, retry, sserrors.NewConnectionError(p, ph, msg, cause)
	}

	resp, err := ep.client.Do(hreq)
	if err != nil {
		return fail(req.method+" "+req.path, err)
	}
	defer resp.Body.Close()
	setPhase(sserrors.PhaseReading)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail("reading response", err)
	}
	return reply{status: resp.StatusCode, header: resp.Header, body: body}, false, nil
}

// handshake checks the service version once per partition.
func (s *Store) handshake(ctx context.Context, p string, ep *endpoint) error {
	if ep.isVerified() {
		return nil
	}
	_, err, _ := s.handshakes.Do(p, func() (any, error) {
		if ep.isVerified() {
			return nil, nil
		}
		rep, err := s.send(ctx, p, ep, request{method: http.MethodGet, path: wire.VersionPath})
		if err != nil {
			return nil, err
		}
		version := rep.header.Get(wire.HeaderVersion)
		if rep.status != http.StatusOK || version == "" {
			return nil, sserrors.NewConnectionError(p, sserrors.PhaseInitializing,
				fmt.Sprintf("version handshake failed with status %d", rep.status), nil)
		}
		major, err := wire.Major(version)
		if err != nil {
			return nil, sserrors.NewConnectionError(p, sserrors.PhaseInitializing, "version handshake", err)
		}
		if major < s.cfg.Remote.MinServerVersion {
			return nil, sserrors.NewConnectionError(p, sserrors.PhaseInitializing,
				fmt.Sprintf("state service version %s is below the supported minimum %d", version, s.cfg.Remote.MinServerVersion), nil)
		}
		ep.setVerified()
		s.log.Debug("state service verified", "partition", p, "version", version)
		return nil, nil
	})
	return err
}

func unexpected(p string, rep reply) error {
	if rep.status == http.StatusBadRequest {
		return sserrors.NewInvalidArgumentError(fmt.Sprintf("state service rejected the request: %s", bytes.TrimSpace(rep.body)), nil)
	}
	return sserrors.NewConnectionError(p, sserrors.PhaseReading, fmt.Sprintf("unexpected status %d", rep.status), nil)
}
