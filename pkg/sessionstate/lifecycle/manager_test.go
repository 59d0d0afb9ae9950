// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	sserrors "github.com/stacklok/statestore/pkg/errors"
	"github.com/stacklok/statestore/pkg/sessionstate"
	"github.com/stacklok/statestore/pkg/sessionstate/memory"
	"github.com/stacklok/statestore/pkg/sessionstate/mocks"
)

func testConfig() sessionstate.StoreConfig {
	cfg := sessionstate.DefaultStoreConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MinPollSpacing = time.Millisecond
	return cfg
}

func newMemory(t *testing.T, cfg sessionstate.StoreConfig) *memory.Store {
	t.Helper()
	s := memory.New(cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestManager_NewSessionRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	store := newMemory(t, cfg)
	m := NewManager(store, cfg)

	s, err := m.Begin(ctx, Request{Required: true})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, s.IsNew())
	assert.False(t, s.NeedsRedirect())
	id := s.ID()
	assert.Len(t, id, 32)

	items, err := s.Items()
	require.NoError(t, err)
	items.Set("user", "alice")
	items.Set("visits", 1)
	require.NoError(t, m.End(ctx, s))

	s, err = m.Begin(ctx, Request{ID: id, Required: true})
	require.NoError(t, err)
	assert.False(t, s.IsNew())
	items, err = s.Items()
	require.NoError(t, err)
	user, err := items.Get("USER")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	require.NoError(t, m.End(ctx, s))

	// The untouched second request released the lock.
	res, err := store.GetExclusive(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusFound, res.Status)
}

func TestManager_UntouchedNewSessionIsNotStored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	store := newMemory(t, cfg)
	m := NewManager(store, cfg)

	s, err := m.Begin(ctx, Request{Required: true})
	require.NoError(t, err)
	require.NoError(t, m.End(ctx, s))
	require.NoError(t, m.End(ctx, s))

	res, err := store.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusNotFound, res.Status)
}

func TestManager_ReadOnlyDropsChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	store := newMemory(t, cfg)
	m := NewManager(store, cfg)

	s, err := m.Begin(ctx, Request{Required: true})
	require.NoError(t, err)
	items, err := s.Items()
	require.NoError(t, err)
	items.Set("k", "v1")
	require.NoError(t, m.End(ctx, s))

	ro, err := m.Begin(ctx, Request{ID: s.ID(), Required: true, ReadOnly: true})
	require.NoError(t, err)
	assert.True(t, ro.IsReadOnly())
	items, err = ro.Items()
	require.NoError(t, err)
	items.Set("k", "v2")

	// A writer is not blocked by the reader.
	w, err := m.Begin(ctx, Request{ID: s.ID(), Required: true})
	require.NoError(t, err)
	require.NoError(t, m.End(ctx, ro))
	items, err = w.Items()
	require.NoError(t, err)
	v, err := items.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	require.NoError(t, m.End(ctx, w))
}

func TestManager_WaitsForLockHolder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	store := newMemory(t, cfg)
	m := NewManager(store, cfg)

	first, err := m.Begin(ctx, Request{Required: true})
	require.NoError(t, err)
	items, err := first.Items()
	require.NoError(t, err)
	items.Set("step", 1)
	require.NoError(t, m.End(ctx, first))
	id := first.ID()

	holder, err := m.Begin(ctx, Request{ID: id, Required: true})
	require.NoError(t, err)

	got := make(chan *Session, 1)
	go func() {
		s, err := m.Begin(ctx, Request{ID: id, Required: true})
		if assert.NoError(t, err) {
			got <- s
		}
	}()

	select {
	case <-got:
		t.Fatal("second request acquired a held lock")
	case <-time.After(30 * time.Millisecond):
	}

	items, err = holder.Items()
	require.NoError(t, err)
	items.Set("step", 2)
	require.NoError(t, m.End(ctx, holder))

	var waiter *Session
	select {
	case waiter = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("second request never acquired the lock")
	}
	items, err = waiter.Items()
	require.NoError(t, err)
	step, err := items.Get("step")
	require.NoError(t, err)
	assert.Equal(t, 2, step)
	require.NoError(t, m.End(ctx, waiter))
}

func TestManager_Abandon(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	store := newMemory(t, cfg)

	var (
		mu    sync.Mutex
		ended []string
	)
	m := NewManager(store, cfg, WithOnEnd(func(id string, _ *sessionstate.Record) {
		mu.Lock()
		defer mu.Unlock()
		ended = append(ended, id)
	}))
	endedIDs := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), ended...)
	}

	// Never stored: the observer is called directly.
	fresh, err := m.Begin(ctx, Request{Required: true})
	require.NoError(t, err)
	fresh.Abandon()
	require.NoError(t, m.End(ctx, fresh))
	assert.Equal(t, []string{fresh.ID()}, endedIDs())

	// Stored: the record is removed and the store reports it.
	s, err := m.Begin(ctx, Request{Required: true})
	require.NoError(t, err)
	items, err := s.Items()
	require.NoError(t, err)
	items.Set("k", "v")
	require.NoError(t, m.End(ctx, s))

	s, err = m.Begin(ctx, Request{ID: s.ID(), Required: true})
	require.NoError(t, err)
	s.Abandon()
	assert.True(t, s.IsAbandoned())
	require.NoError(t, m.End(ctx, s))

	res, err := store.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusNotFound, res.Status)
	require.Eventually(t, func() bool { return len(endedIDs()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, s.ID(), endedIDs()[1])
}

func TestManager_RedirectPlaceholder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	cfg.RegenerateExpiredID = true
	store := newMemory(t, cfg)
	m := NewManager(store, cfg)

	s, err := m.Begin(ctx, Request{Required: true, Redirect: true})
	require.NoError(t, err)
	assert.True(t, s.NeedsRedirect())
	require.NoError(t, m.End(ctx, s))

	// The client comes back with the issued id and finds the placeholder.
	next, err := m.Begin(ctx, Request{ID: s.ID(), Required: true, Redirect: true})
	require.NoError(t, err)
	assert.Equal(t, s.ID(), next.ID())
	assert.True(t, next.IsNew())
	assert.False(t, next.NeedsRedirect())
	items, err := next.Items()
	require.NoError(t, err)
	items.Set("k", "v")
	require.NoError(t, m.End(ctx, next))

	// An unknown id is replaced by a fresh one.
	expired, err := m.Begin(ctx, Request{ID: "gone", Required: true, Redirect: true})
	require.NoError(t, err)
	assert.NotEqual(t, "gone", expired.ID())
	assert.True(t, expired.NeedsRedirect())
}

func TestManager_PlaceholderOnMiss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	store := newMemory(t, cfg)
	m := NewManager(store, cfg, WithPlaceholderOnMiss(true))

	s, err := m.Begin(ctx, Request{ID: "expired", Required: true})
	require.NoError(t, err)
	assert.Equal(t, "expired", s.ID())
	assert.True(t, s.IsNew())

	// The placeholder is held by this request.
	res, err := store.GetExclusive(ctx, "expired")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusLocked, res.Status)

	items, err := s.Items()
	require.NoError(t, err)
	items.Set("k", "v")
	require.NoError(t, m.End(ctx, s))

	res, err = store.Get(ctx, "expired")
	require.NoError(t, err)
	require.Equal(t, sessionstate.StatusFound, res.Status)
	rec, err := sessionstate.Decode(res.Data, cfg.Compression)
	require.NoError(t, err)
	v, err := rec.Items.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestManager_TimeoutChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	cfg.Compression = true
	store := newMemory(t, cfg)
	m := NewManager(store, cfg)

	s, err := m.Begin(ctx, Request{Required: true})
	require.NoError(t, err)
	items, err := s.Items()
	require.NoError(t, err)
	items.Set("k", "v")
	require.NoError(t, m.End(ctx, s))

	s, err = m.Begin(ctx, Request{ID: s.ID(), Required: true})
	require.NoError(t, err)
	assert.Equal(t, cfg.Timeout, s.Timeout())
	s.SetTimeout(45 * time.Minute)
	require.NoError(t, m.End(ctx, s))

	s, err = m.Begin(ctx, Request{ID: s.ID(), Required: true})
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, s.Timeout())
	require.NoError(t, m.End(ctx, s))
}

func TestManager_TimeoutResetToDefault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	store := newMemory(t, cfg)
	m := NewManager(store, cfg)

	s, err := m.Begin(ctx, Request{Required: true})
	require.NoError(t, err)
	s.SetTimeout(30 * time.Minute)
	require.NoError(t, m.End(ctx, s))
	id := s.ID()

	// The record is not decoded before SetTimeout.
	s, err = m.Begin(ctx, Request{ID: id, Required: true})
	require.NoError(t, err)
	s.SetTimeout(cfg.Timeout)
	require.NoError(t, m.End(ctx, s))

	s, err = m.Begin(ctx, Request{ID: id, Required: true})
	require.NoError(t, err)
	assert.Equal(t, cfg.Timeout, s.Timeout())
	require.NoError(t, m.End(ctx, s))
}

func TestManager_UnreadableRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	store := newMemory(t, cfg)
	m := NewManager(store, cfg)

	_, err := store.SetAndReleaseExclusive(ctx, "corrupt", []byte{0x01, 0x02}, cfg.Timeout, 0, true)
	require.NoError(t, err)

	s, err := m.Begin(ctx, Request{ID: "corrupt", Required: true})
	require.NoError(t, err)
	assert.Equal(t, cfg.Timeout, s.Timeout())
	_, err = s.Items()
	require.ErrorIs(t, err, sessionstate.ErrMalformedRecord)

	err = m.End(ctx, s)
	require.Error(t, err)
	assert.True(t, sserrors.IsStateUnavailable(err))

	// The lock was released despite the failure.
	res, err := store.GetExclusive(ctx, "corrupt")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusFound, res.Status)
}

func TestManager_NotRequiredOnlyTouches(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().ResetItemTimeout(gomock.Any(), "abc").Return(nil)

	m := NewManager(store, testConfig())
	s, err := m.Begin(context.Background(), Request{ID: "abc"})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = m.Begin(context.Background(), Request{})
	require.NoError(t, err)
	assert.Nil(t, s)
	require.NoError(t, m.End(context.Background(), s))
}

func TestManager_OwnershipMismatchIsSwallowed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	data, err := sessionstate.Encode(sessionstate.NewRecord(cfg.Timeout), false)
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().GetExclusive(gomock.Any(), "abc").Return(sessionstate.GetResult{
		Status: sessionstate.StatusFound,
		Data:   data,
		Lock:   sessionstate.LockInfo{Locked: true, Cookie: 5},
	}, nil)
	store.EXPECT().SetAndReleaseExclusive(gomock.Any(), "abc", gomock.Any(), cfg.Timeout, uint32(5), false).
		Return(sessionstate.WriteOwnershipMismatch, nil)

	m := NewManager(store, cfg)
	s, err := m.Begin(ctx, Request{ID: "abc", Required: true})
	require.NoError(t, err)
	items, err := s.Items()
	require.NoError(t, err)
	items.Set("k", "v")
	assert.NoError(t, m.End(ctx, s))
}

func TestManager_FaultsAreStateUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	conn := sserrors.NewConnectionError("p1", sserrors.PhaseConnecting, "dial failed", errors.New("refused"))

	t.Run("acquire", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		store.EXPECT().GetExclusive(gomock.Any(), "abc").Return(sessionstate.GetResult{}, conn)

		_, err := NewManager(store, cfg).Begin(ctx, Request{ID: "abc", Required: true})
		assert.True(t, sserrors.IsStateUnavailable(err))
		assert.True(t, sserrors.IsBackendConnection(err))
	})

	t.Run("release", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		store.EXPECT().GetExclusive(gomock.Any(), "abc").Return(sessionstate.GetResult{
			Status: sessionstate.StatusFound,
			Lock:   sessionstate.LockInfo{Locked: true, Cookie: 2},
		}, nil)
		store.EXPECT().ReleaseExclusive(gomock.Any(), "abc", uint32(2)).Return(conn)

		m := NewManager(store, cfg)
		s, err := m.Begin(ctx, Request{ID: "abc", Required: true})
		require.NoError(t, err)
		err = m.End(ctx, s)
		assert.True(t, sserrors.IsStateUnavailable(err))
	})
}

type fixedIDs struct{ id string }

func (f fixedIDs) CreateID(context.Context) (string, error) { return f.id, nil }
func (fixedIDs) Validate(id string) bool                    { return id != "bad" }

func TestManager_CustomIDManager(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	store := newMemory(t, cfg)
	m := NewManager(store, cfg, WithIDManager(fixedIDs{id: "fixed"}))

	s, err := m.Begin(ctx, Request{ID: "bad", Required: true})
	require.NoError(t, err)
	assert.Equal(t, "fixed", s.ID())
	assert.True(t, s.IsNew())
}
