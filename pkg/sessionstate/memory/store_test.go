// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserrors "github.com/stacklok/statestore/pkg/errors"
	"github.com/stacklok/statestore/pkg/sessionstate"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(sessionstate.DefaultStoreConfig(), opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_NotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	res, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusNotFound, res.Status)

	res, err = s.GetExclusive(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusNotFound, res.Status)

	out, err := s.SetAndReleaseExclusive(ctx, "missing", []byte("x"), time.Minute, 1, false)
	require.NoError(t, err)
	assert.Equal(t, sessionstate.WriteOwnershipMismatch, out)

	out, err = s.RemoveItem(ctx, "missing", 1)
	require.NoError(t, err)
	assert.Equal(t, sessionstate.WriteOwnershipMismatch, out)

	require.NoError(t, s.ReleaseExclusive(ctx, "missing", 1))
	require.NoError(t, s.ResetItemTimeout(ctx, "missing"))
}

func TestStore_InvalidID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Get(ctx, strings.Repeat("a", 81))
	assert.True(t, sserrors.IsIDTooLong(err))

	_, err = s.GetExclusive(ctx, "bad id")
	assert.True(t, sserrors.IsInvalidArgument(err))

	err = s.CreateUninitializedItem(ctx, "", nil, time.Minute)
	assert.True(t, sserrors.IsInvalidArgument(err))
}

func TestStore_LockLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newStore(t, WithClock(clock.Now))

	out, err := s.SetAndReleaseExclusive(ctx, "sess", []byte("v1"), time.Minute, 0, true)
	require.NoError(t, err)
	require.Equal(t, sessionstate.WriteApplied, out)

	first, err := s.GetExclusive(ctx, "sess")
	require.NoError(t, err)
	require.Equal(t, sessionstate.StatusFound, first.Status)
	assert.Equal(t, []byte("v1"), first.Data)
	assert.True(t, first.Lock.Locked)
	assert.Equal(t, clock.Now(), first.Lock.AcquiredAt)

	clock.Advance(5 * time.Second)

	contended, err := s.GetExclusive(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusLocked, contended.Status)
	assert.Nil(t, contended.Data)
	assert.Equal(t, first.Lock.Cookie, contended.Lock.Cookie)
	assert.Equal(t, 5*time.Second, contended.Lock.Age)

	readOnly, err := s.Get(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusLocked, readOnly.Status)

	require.NoError(t, s.ReleaseExclusive(ctx, "sess", first.Lock.Cookie+100))
	still, err := s.GetExclusive(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusLocked, still.Status, "a stale cookie does not release")

	out, err = s.SetAndReleaseExclusive(ctx, "sess", []byte("v2"), time.Minute, first.Lock.Cookie, false)
	require.NoError(t, err)
	assert.Equal(t, sessionstate.WriteApplied, out)

	second, err := s.GetExclusive(ctx, "sess")
	require.NoError(t, err)
	require.Equal(t, sessionstate.StatusFound, second.Status)
	assert.Equal(t, []byte("v2"), second.Data)
	assert.Greater(t, second.Lock.Cookie, first.Lock.Cookie)

	require.NoError(t, s.ReleaseExclusive(ctx, "sess", second.Lock.Cookie))
	plain, err := s.Get(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusFound, plain.Status)
	assert.False(t, plain.Lock.Locked)
}

func TestStore_StaleCookieWriteIsIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	_, err := s.SetAndReleaseExclusive(ctx, "sess", []byte("base"), time.Minute, 0, true)
	require.NoError(t, err)

	slow, err := s.GetExclusive(ctx, "sess")
	require.NoError(t, err)
	// A waiter breaks the abandoned lock and takes over.
	require.NoError(t, s.ReleaseExclusive(ctx, "sess", slow.Lock.Cookie))
	fast, err := s.GetExclusive(ctx, "sess")
	require.NoError(t, err)
	require.Equal(t, sessionstate.StatusFound, fast.Status)
	require.NotEqual(t, slow.Lock.Cookie, fast.Lock.Cookie)

	out, err := s.SetAndReleaseExclusive(ctx, "sess", []byte("fast"), time.Minute, fast.Lock.Cookie, false)
	require.NoError(t, err)
	require.Equal(t, sessionstate.WriteApplied, out)

	out, err = s.SetAndReleaseExclusive(ctx, "sess", []byte("slow"), time.Minute, slow.Lock.Cookie, false)
	require.NoError(t, err)
	assert.Equal(t, sessionstate.WriteOwnershipMismatch, out)

	out, err = s.RemoveItem(ctx, "sess", slow.Lock.Cookie)
	require.NoError(t, err)
	assert.Equal(t, sessionstate.WriteOwnershipMismatch, out)

	res, err := s.Get(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, []byte("fast"), res.Data)
}

func TestStore_MutualExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	_, err := s.SetAndReleaseExclusive(ctx, "sess", []byte("x"), time.Minute, 0, true)
	require.NoError(t, err)

	const n = 50
	var found, locked atomic.Int32
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.GetExclusive(ctx, "sess")
			if !assert.NoError(t, err) {
				return
			}
			switch res.Status {
			case sessionstate.StatusFound:
				found.Add(1)
			case sessionstate.StatusLocked:
				assert.GreaterOrEqual(t, res.Lock.Age, time.Duration(0))
				locked.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), found.Load())
	assert.Equal(t, int32(n-1), locked.Load())
}

func TestStore_UninitializedClearedOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateUninitializedItem(ctx, "sess", []byte("placeholder"), time.Minute))

	const n = 50
	var initialized atomic.Int32
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var res sessionstate.GetResult
			var err error
			if i%2 == 0 {
				res, err = s.Get(ctx, "sess")
			} else {
				res, err = s.GetExclusive(ctx, "sess")
			}
			if assert.NoError(t, err) && res.Actions&sessionstate.ActionInitialize != 0 {
				initialized.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), initialized.Load())
}

func TestStore_CreateUninitializedIsInsertIfAbsent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CreateUninitializedItem(ctx, "sess", []byte("placeholder"), time.Minute))
	require.NoError(t, s.CreateUninitializedItem(ctx, "sess", []byte("other"), time.Minute))

	res, err := s.GetExclusive(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, []byte("placeholder"), res.Data)
	assert.Equal(t, sessionstate.ActionInitialize, res.Actions)

	_, err = s.SetAndReleaseExclusive(ctx, "sess", []byte("real"), time.Minute, res.Lock.Cookie, false)
	require.NoError(t, err)
	require.NoError(t, s.CreateUninitializedItem(ctx, "sess", []byte("placeholder"), time.Minute))

	res, err = s.Get(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, []byte("real"), res.Data)
	assert.Zero(t, res.Actions)
	assert.Equal(t, 1, s.Count())
}

func TestStore_ExpireCallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	var mu sync.Mutex
	var ended []string
	require.True(t, s.SetExpireCallback(func(id string, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		ended = append(ended, id+"="+string(data))
	}))
	endedSnapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), ended...)
	}

	_, err := s.SetAndReleaseExclusive(ctx, "sess", []byte("v1"), time.Minute, 0, true)
	require.NoError(t, err)
	res, err := s.GetExclusive(ctx, "sess")
	require.NoError(t, err)

	// A timeout change replaces the entry without reporting an expiry.
	out, err := s.SetAndReleaseExclusive(ctx, "sess", []byte("v2"), 2*time.Minute, res.Lock.Cookie, false)
	require.NoError(t, err)
	require.Equal(t, sessionstate.WriteApplied, out)

	res, err = s.GetExclusive(ctx, "sess")
	require.NoError(t, err)
	require.Equal(t, sessionstate.StatusFound, res.Status)
	assert.Equal(t, []byte("v2"), res.Data)

	out, err = s.RemoveItem(ctx, "sess", res.Lock.Cookie)
	require.NoError(t, err)
	require.Equal(t, sessionstate.WriteApplied, out)

	assert.Eventually(t, func() bool { return len(endedSnapshot()) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"sess=v2"}, endedSnapshot())

	res, err = s.Get(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusNotFound, res.Status)
}

func TestStore_Expiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	expired := make(chan string, 1)
	s.SetExpireCallback(func(id string, _ []byte) { expired <- id })

	_, err := s.SetAndReleaseExclusive(ctx, "short", []byte("x"), 50*time.Millisecond, 0, true)
	require.NoError(t, err)

	select {
	case id := <-expired:
		assert.Equal(t, "short", id)
	case <-time.After(2 * time.Second):
		t.Fatal("record did not expire")
	}

	res, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusNotFound, res.Status)
}

func TestStore_TimeoutIsClamped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := sessionstate.DefaultStoreConfig()
	cfg.MaxTimeout = time.Hour
	s := New(cfg)
	t.Cleanup(func() { _ = s.Close() })

	_, err := s.SetAndReleaseExclusive(ctx, "sess", []byte("x"), 48*time.Hour, 0, true)
	require.NoError(t, err)

	e := s.peek("sess", false)
	require.NotNil(t, e)
	assert.Equal(t, time.Hour, e.timeout)
}

func TestStore_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	s := New(sessionstate.DefaultStoreConfig())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
