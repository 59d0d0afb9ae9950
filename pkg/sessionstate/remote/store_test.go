// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserrors "github.com/stacklok/statestore/pkg/errors"
	"github.com/stacklok/statestore/pkg/sessionstate"
	"github.com/stacklok/statestore/pkg/sessionstate/memory"
	"github.com/stacklok/statestore/pkg/sessionstate/stateserver"
	"github.com/stacklok/statestore/pkg/sessionstate/wire"
)

func newService(t *testing.T, wrap func(http.Handler) http.Handler) *httptest.Server {
	t.Helper()
	backend := memory.New(sessionstate.DefaultStoreConfig())
	t.Cleanup(func() { _ = backend.Close() })
	var h http.Handler = stateserver.New(backend).Routes()
	if wrap != nil {
		h = wrap(h)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, partitions ...string) *Store {
	t.Helper()
	cfg := sessionstate.DefaultStoreConfig()
	cfg.Mode = sessionstate.ModeRemote
	cfg.Remote.Partitions = partitions
	cfg.Remote.Timeout = 2 * time.Second
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newService(t, nil)
	s := newClient(t, srv.URL)

	assert.False(t, s.SetExpireCallback(func(string, []byte) {}))

	res, err := s.GetExclusive(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusNotFound, res.Status)

	require.NoError(t, s.CreateUninitializedItem(ctx, "sess", []byte("placeholder"), time.Minute))
	require.NoError(t, s.CreateUninitializedItem(ctx, "sess", []byte("ignored"), time.Minute))

	owner, err := s.GetExclusive(ctx, "sess")
	require.NoError(t, err)
	require.Equal(t, sessionstate.StatusFound, owner.Status)
	assert.Equal(t, []byte("placeholder"), owner.Data)
	assert.Equal(t, sessionstate.ActionInitialize, owner.Actions)
	assert.True(t, owner.Lock.Locked)
	assert.NotZero(t, owner.Lock.Cookie)
	assert.False(t, owner.Lock.AcquiredAt.IsZero())

	contended, err := s.GetExclusive(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusLocked, contended.Status)
	assert.Equal(t, owner.Lock.Cookie, contended.Lock.Cookie)
	assert.GreaterOrEqual(t, contended.Lock.Age, time.Duration(0))

	out, err := s.SetAndReleaseExclusive(ctx, "sess", []byte("stale"), time.Minute, owner.Lock.Cookie+1, false)
	require.NoError(t, err)
	assert.Equal(t, sessionstate.WriteOwnershipMismatch, out)

	out, err = s.SetAndReleaseExclusive(ctx, "sess", []byte("v1"), time.Minute, owner.Lock.Cookie, false)
	require.NoError(t, err)
	assert.Equal(t, sessionstate.WriteApplied, out)

	plain, err := s.Get(ctx, "sess")
	require.NoError(t, err)
	require.Equal(t, sessionstate.StatusFound, plain.Status)
	assert.Equal(t, []byte("v1"), plain.Data)
	assert.False(t, plain.Lock.Locked)
	assert.Zero(t, plain.Actions)

	require.NoError(t, s.ResetItemTimeout(ctx, "sess"))

	second, err := s.GetExclusive(ctx, "sess")
	require.NoError(t, err)
	require.Equal(t, sessionstate.StatusFound, second.Status)
	assert.Greater(t, second.Lock.Cookie, owner.Lock.Cookie)

	require.NoError(t, s.ReleaseExclusive(ctx, "sess", second.Lock.Cookie))
	third, err := s.GetExclusive(ctx, "sess")
	require.NoError(t, err)
	require.Equal(t, sessionstate.StatusFound, third.Status)

	out, err = s.RemoveItem(ctx, "sess", second.Lock.Cookie)
	require.NoError(t, err)
	assert.Equal(t, sessionstate.WriteOwnershipMismatch, out)

	out, err = s.RemoveItem(ctx, "sess", third.Lock.Cookie)
	require.NoError(t, err)
	assert.Equal(t, sessionstate.WriteApplied, out)

	res, err = s.Get(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusNotFound, res.Status)
}

func TestStore_NewItemWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newClient(t, newService(t, nil).URL)

	out, err := s.SetAndReleaseExclusive(ctx, "fresh", []byte{}, time.Minute, 0, true)
	require.NoError(t, err)
	assert.Equal(t, sessionstate.WriteApplied, out)

	res, err := s.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusFound, res.Status)
	assert.Empty(t, res.Data)
}

func TestStore_PartitionsAreIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, b := newService(t, nil), newService(t, nil)
	s := newClient(t, a.URL, b.URL)

	ids := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel"}
	for _, id := range ids {
		_, err := s.SetAndReleaseExclusive(ctx, id, []byte(id), time.Minute, 0, true)
		require.NoError(t, err)
	}

	direct := map[string]*Store{a.URL: newClient(t, a.URL), b.URL: newClient(t, b.URL)}
	for _, id := range ids {
		owner := s.parts.Resolve(id)
		res, err := direct[owner].Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []byte(id), res.Data, "id %s is stored on its partition", id)
	}
}

func TestStore_HandshakeOncePerPartition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var hits atomic.Int32
	srv := newService(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == wire.VersionPath {
				hits.Add(1)
			}
			next.ServeHTTP(w, r)
		})
	})
	s := newClient(t, srv.URL)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Get(ctx, "sess")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestStore_RejectsOldService(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(wire.HeaderVersion, "1.4")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	s := newClient(t, srv.URL)

	_, err := s.Get(context.Background(), "sess")
	require.Error(t, err)
	assert.True(t, sserrors.IsBackendConnection(err))
	phase, ok := sserrors.PhaseOf(err)
	require.True(t, ok)
	assert.Equal(t, sserrors.PhaseInitializing, phase)
	assert.Contains(t, err.Error(), "below the supported minimum")
}

func TestStore_ConnectFailure(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	s := newClient(t, "http://"+addr)
	_, err = s.Get(context.Background(), "sess")
	require.Error(t, err)
	phase, ok := sserrors.PhaseOf(err)
	require.True(t, ok)
	assert.Equal(t, sserrors.PhaseConnecting, phase)
}

func TestStore_ReadFailure(t *testing.T) {
	t.Parallel()

	srv := newService(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == wire.VersionPath {
				next.ServeHTTP(w, r)
				return
			}
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
		})
	})
	s := newClient(t, srv.URL)

	_, err := s.RemoveItem(context.Background(), "sess", 1)
	require.Error(t, err)
	phase, ok := sserrors.PhaseOf(err)
	require.True(t, ok)
	assert.Equal(t, sserrors.PhaseReading, phase)
}

func TestStore_FailureReopensPartition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var handshakes atomic.Int32
	var failing atomic.Bool
	failing.Store(true)
	srv := newService(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == wire.VersionPath {
				handshakes.Add(1)
				next.ServeHTTP(w, r)
				return
			}
			if failing.Load() {
				if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
					_ = conn.Close()
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	s := newClient(t, srv.URL)

	_, err := s.Get(ctx, "sess")
	require.Error(t, err)
	assert.True(t, sserrors.IsBackendConnection(err))
	assert.Equal(t, int32(1), handshakes.Load())
	assert.Empty(t, s.parts.Opened())

	failing.Store(false)
	res, err := s.Get(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusNotFound, res.Status)
	assert.Equal(t, int32(2), handshakes.Load())
	assert.Equal(t, []string{srv.URL}, s.parts.Opened())
}

func TestStore_InvalidInput(t *testing.T) {
	t.Parallel()

	_, err := New(sessionstate.DefaultStoreConfig())
	assert.True(t, sserrors.IsInvalidArgument(err), "partitions are required")

	s := newClient(t, "ftp://example.com")
	_, err = s.Get(context.Background(), "sess")
	phase, ok := sserrors.PhaseOf(err)
	require.True(t, ok)
	assert.Equal(t, sserrors.PhaseInitializing, phase)

	_, err = s.Get(context.Background(), "bad/id")
	assert.True(t, sserrors.IsInvalidArgument(err))
}
