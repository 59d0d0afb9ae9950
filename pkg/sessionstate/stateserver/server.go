// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package stateserver exposes a session store over the HTTP protocol in
// package wire. The remote backend is its client.
package stateserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	sserrors "github.com/stacklok/statestore/pkg/errors"
	"github.com/stacklok/statestore/pkg/logger"
	"github.com/stacklok/statestore/pkg/sessionstate"
	"github.com/stacklok/statestore/pkg/sessionstate/wire"
)

// DefaultMaxRecordSize bounds a PUT body.
const DefaultMaxRecordSize = 8 << 20

// Server serves one session store.
type Server struct {
	store         sessionstate.Store
	log           *slog.Logger
	maxRecordSize int64
	metrics       http.Handler
	requests      metric.Int64Counter
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMaxRecordSize bounds the body of a PUT.
func WithMaxRecordSize(n int64) Option {
	return func(s *Server) { s.maxRecordSize = n }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithMeterProvider sets the provider for request metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Server) {
		c, err := mp.Meter(meterName).Int64Counter("statestore_server_requests",
			metric.WithDescription("State service requests by verb and status"))
		if err != nil {
			c, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter("statestore_server_requests")
		}
		s.requests = c
	}
}

const meterName = "github.com/stacklok/statestore/pkg/sessionstate/stateserver"

// New returns a Server over store.
func New(store sessionstate.Store, opts ...Option) *Server {
	s := &Server{store: store, maxRecordSize: DefaultMaxRecordSize}
	WithMeterProvider(otel.GetMeterProvider())(s)
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.For(s.log, "stateserver")
	return s
}

// Routes returns the router for the service.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.versionHeader)
	r.Get("/healthz", s.healthz)
	r.Get(wire.VersionPath, s.version)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.Route(wire.SessionsPath, func(r chi.Router) {
		r.Get("/{id}", s.handle(s.get))
		r.Put("/{id}", s.handle(s.put))
		r.Delete("/{id}", s.handle(s.remove))
		r.Head("/{id}", s.handle(s.touch))
	})
	return r
}

func (*Server) versionHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(wire.HeaderVersion, wire.Version)
		next.ServeHTTP(w, r)
	})
}

func (*Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (*Server) version(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, wire.Version)
}

// response is what a session handler asks the server to write.
type response struct {
	status int
	body   []byte
}

// handlerWithError lets session handlers return errors for central mapping
// to status codes. Handlers may set headers but never write the body.
type handlerWithError func(w http.ResponseWriter, r *http.Request, id string) (response, error)

func (s *Server) handle(fn handlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := fn(w, r, chi.URLParam(r, "id"))
		status := resp.status
		switch {
		case err != nil:
			status = statusOf(err)
			if status >= http.StatusInternalServerError {
				s.log.Warn("session request failed", "method", r.Method, "error", err)
				http.Error(w, http.StatusText(status), status)
			} else {
				http.Error(w, err.Error(), status)
			}
		case resp.body != nil:
			w.Header().Set("Content-Type", "application/octet-stream")
			w.WriteHeader(status)
			if _, err := w.Write(resp.body); err != nil {
				s.log.Debug("writing session record", "error", err)
			}
		default:
			w.WriteHeader(status)
		}
		s.requests.Add(r.Context(), 1, metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.Int("status", status),
		))
	}
}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

func statusOf(err error) int {
	var br *badRequestError
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &br), errors.As(err, &mbe),
		sserrors.IsInvalidArgument(err), sserrors.IsIDTooLong(err), sserrors.IsRecordTooLarge(err):
		return http.StatusBadRequest
	case sserrors.IsBackendConnection(err), sserrors.IsStateUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func headerUint(r *http.Request, name string) (uint32, bool, error) {
	v := r.Header.Get(name)
	if v == "" {
		return 0, false, nil
	}
	n, err := wire.ParseUint(name, v)
	if err != nil {
		return 0, false, badRequest("%v", err)
	}
	return n, true, nil
}

func (s *Server) get(w http.ResponseWriter, r *http.Request, id string) (response, error) {
	var (
		res sessionstate.GetResult
		err error
	)
	switch r.Header.Get(wire.HeaderExclusive) {
	case "":
		res, err = s.store.Get(r.Context(), id)
	case wire.ExclusiveAcquire:
		res, err = s.store.GetExclusive(r.Context(), id)
	case wire.ExclusiveRelease:
		cookie, ok, err := headerUint(r, wire.HeaderLockCookie)
		if err != nil {
			return response{}, err
		}
		if !ok {
			return response{}, badRequest("%s header is required to release", wire.HeaderLockCookie)
		}
		return response{status: http.StatusOK}, s.store.ReleaseExclusive(r.Context(), id, cookie)
	default:
		return response{}, badRequest("invalid %s header %q", wire.HeaderExclusive, r.Header.Get(wire.HeaderExclusive))
	}
	if err != nil {
		return response{}, err
	}

	h := w.Header()
	switch res.Status {
	case sessionstate.StatusNotFound:
		return response{status: http.StatusNotFound}, nil
	case sessionstate.StatusLocked:
		h.Set(wire.HeaderLockCookie, wire.FormatUint(res.Lock.Cookie))
		h.Set(wire.HeaderLockDate, res.Lock.AcquiredAt.UTC().Format(time.RFC3339Nano))
		h.Set(wire.HeaderLockAge, wire.FormatLockAge(res.Lock.Age))
		return response{status: http.StatusLocked}, nil
	}
	if res.Lock.Locked {
		h.Set(wire.HeaderLockCookie, wire.FormatUint(res.Lock.Cookie))
		h.Set(wire.HeaderLockDate, res.Lock.AcquiredAt.UTC().Format(time.RFC3339Nano))
	}
	h.Set(wire.HeaderActionFlags, wire.FormatUint(uint32(res.Actions)))
	body := res.Data
	if body == nil {
		body = []byte{}
	}
	return response{status: http.StatusOK, body: body}, nil
}

func (s *Server) put(w http.ResponseWriter, r *http.Request, id string) (response, error) {
	timeout, err := wire.ParseTimeout(r.Header.Get(wire.HeaderTimeout))
	if err != nil {
		return response{}, badRequest("%v", err)
	}
	flags, _, err := headerUint(r, wire.HeaderExtraFlags)
	if err != nil {
		return response{}, err
	}
	cookie, hasCookie, err := headerUint(r, wire.HeaderLockCookie)
	if err != nil {
		return response{}, err
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxRecordSize))
	if err != nil {
		return response{}, err
	}

	if sessionstate.ItemFlags(flags)&sessionstate.FlagUninitialized != 0 {
		return response{status: http.StatusOK}, s.store.CreateUninitializedItem(r.Context(), id, data, timeout)
	}
	out, err := s.store.SetAndReleaseExclusive(r.Context(), id, data, timeout, cookie, !hasCookie)
	if err != nil {
		return response{}, err
	}
	return writeResponse(out), nil
}

func (s *Server) remove(_ http.ResponseWriter, r *http.Request, id string) (response, error) {
	cookie, ok, err := headerUint(r, wire.HeaderLockCookie)
	if err != nil {
		return response{}, err
	}
	if !ok {
		return response{}, badRequest("%s header is required to remove", wire.HeaderLockCookie)
	}
	out, err := s.store.RemoveItem(r.Context(), id, cookie)
	if err != nil {
		return response{}, err
	}
	return writeResponse(out), nil
}

func (s *Server) touch(_ http.ResponseWriter, r *http.Request, id string) (response, error) {
	return response{status: http.StatusOK}, s.store.ResetItemTimeout(r.Context(), id)
}

func writeResponse(out sessionstate.WriteOutcome) response {
	if out == sessionstate.WriteOwnershipMismatch {
		return response{status: http.StatusLocked}
	}
	return response{status: http.StatusOK}
}
