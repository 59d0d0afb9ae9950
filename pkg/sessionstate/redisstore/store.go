// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package redisstore implements the session store on Redis. Every operation
// is a single Lua script, so each one is atomic on the server.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	sserrors "github.com/stacklok/statestore/pkg/errors"
	"github.com/stacklok/statestore/pkg/logger"
	"github.com/stacklok/statestore/pkg/sessionstate"
)

// Store is the Redis session store.
type Store struct {
	cfg    sessionstate.StoreConfig
	client redis.UniversalClient
	now    func() time.Time
	log    *slog.Logger
}

var _ sessionstate.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock sets the time source for lock dates.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New connects to the server in cfg.Redis and verifies it answers.
func New(ctx context.Context, cfg sessionstate.StoreConfig, opts ...Option) (*Store, error) {
	if cfg.Redis.Address == "" {
		return nil, sserrors.NewInvalidArgumentError("redis address is required", nil)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, sserrors.NewConnectionError(cfg.Redis.Address, sserrors.PhaseConnecting, "failed to connect to redis", err)
	}
	return NewWithClient(cfg, client, opts...), nil
}

// NewWithClient returns a Store over an existing client. The Store owns
// client and closes it on Close.
func NewWithClient(cfg sessionstate.StoreConfig, client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{cfg: cfg, client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.For(s.log, "redis-store")
	return s
}

func (s *Store) key(id string) string {
	return s.cfg.Redis.KeyPrefix + "session:" + id
}

func (s *Store) cookieKey() string {
	return s.cfg.Redis.KeyPrefix + "lock-cookies"
}

func (s *Store) fault(err error) error {
	if isContextErr(err) {
		return err
	}
	cerr := sserrors.NewConnectionError(s.cfg.Redis.Address, "", "redis command failed", err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		cerr.Transient = true
	}
	return cerr
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Get implements sessionstate.Store.
func (s *Store) Get(ctx context.Context, id string) (sessionstate.GetResult, error) {
	return s.get(ctx, id, false)
}

// GetExclusive implements sessionstate.Store.
func (s *Store) GetExclusive(ctx context.Context, id string) (sessionstate.GetResult, error) {
	return s.get(ctx, id, true)
}

func (s *Store) get(ctx context.Context, id string, exclusive bool) (sessionstate.GetResult, error) {
	if err := sessionstate.ValidateID(id, s.cfg.MaxIDLength); err != nil {
		return sessionstate.GetResult{}, err
	}
	flag, cookie := "0", int64(0)
	if exclusive {
		flag = "1"
		// Drawn even when the record turns out absent or locked.
		next, err := s.client.Incr(ctx, s.cookieKey()).Result()
		if err != nil {
			return sessionstate.GetResult{}, s.fault(err)
		}
		cookie = int64(uint32(next)) //nolint:gosec // cookies wrap at 32 bits
	}
	now := s.now()
	reply, err := getScript.Run(ctx, s.client, []string{s.key(id)}, flag, now.UnixMilli(), cookie).Slice()
	if err != nil {
		return sessionstate.GetResult{}, s.fault(err)
	}
	res, err := parseGet(reply, now)
	if err != nil {
		return sessionstate.GetResult{}, sserrors.NewInternalError("unexpected script reply", err)
	}
	return res, nil
}

func parseGet(reply []any, now time.Time) (sessionstate.GetResult, error) {
	if len(reply) == 0 {
		return sessionstate.GetResult{}, errors.New("empty reply")
	}
	status, ok := reply[0].(int64)
	if !ok {
		return sessionstate.GetResult{}, fmt.Errorf("status is %T", reply[0])
	}
	switch {
	case status == 0:
		return sessionstate.GetResult{Status: sessionstate.StatusNotFound}, nil
	case status == 2 && len(reply) == 3:
		lock, err := parseLock("1", reply[1], reply[2], now)
		return sessionstate.GetResult{Status: sessionstate.StatusLocked, Lock: lock}, err
	case status == 1 && len(reply) == 6:
		data, _ := reply[1].(string)
		locked, _ := reply[2].(string)
		lock, err := parseLock(locked, reply[3], reply[4], now)
		if err != nil {
			return sessionstate.GetResult{}, err
		}
		res := sessionstate.GetResult{Status: sessionstate.StatusFound, Data: []byte(data), Lock: lock}
		if n, _ := reply[5].(int64); n == 1 {
			res.Actions = sessionstate.ActionInitialize
		}
		return res, nil
	}
	return sessionstate.GetResult{}, fmt.Errorf("malformed reply %v", reply)
}

func parseLock(locked string, cookie, date any, now time.Time) (sessionstate.LockInfo, error) {
	c, err := strconv.ParseUint(fmt.Sprint(cookie), 10, 64)
	if err != nil {
		return sessionstate.LockInfo{}, fmt.Errorf("lock cookie: %w", err)
	}
	ms, err := strconv.ParseInt(fmt.Sprint(date), 10, 64)
	if err != nil {
		return sessionstate.LockInfo{}, fmt.Errorf("lock date: %w", err)
	}
	info := sessionstate.LockInfo{
		Locked:     locked == "1",
		Cookie:     uint32(c), //nolint:gosec // cookies wrap at 32 bits
		AcquiredAt: time.UnixMilli(ms).UTC(),
	}
	if info.Locked {
		info.Age = max(now.Sub(info.AcquiredAt), 0)
	}
	return info, nil
}

func timeoutMillis(d time.Duration) int64 {
	return max(d.Milliseconds(), 1)
}

// ReleaseExclusive implements sessionstate.Store.
func (s *Store) ReleaseExclusive(ctx context.Context, id string, cookie uint32) error {
	if err := sessionstate.ValidateID(id, s.cfg.MaxIDLength); err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, s.client, []string{s.key(id)}, cookie).Err(); err != nil {
		return s.fault(err)
	}
	return nil
}

// SetAndReleaseExclusive implements sessionstate.Store.
func (s *Store) SetAndReleaseExclusive(
	ctx context.Context, id string, data []byte, timeout time.Duration, cookie uint32, isNew bool,
) (sessionstate.WriteOutcome, error) {
	if err := sessionstate.ValidateID(id, s.cfg.MaxIDLength); err != nil {
		return sessionstate.WriteApplied, err
	}
	newFlag := "0"
	if isNew {
		newFlag = "1"
	}
	timeout = s.cfg.ClampTimeout(timeout)
	n, err := setScript.Run(ctx, s.client, []string{s.key(id)},
		data, timeoutMillis(timeout), cookie, newFlag).Int()
	if err != nil {
		return sessionstate.WriteApplied, s.fault(err)
	}
	return outcome(n), nil
}

func outcome(n int) sessionstate.WriteOutcome {
	if n == 0 {
		return sessionstate.WriteOwnershipMismatch
	}
	return sessionstate.WriteApplied
}

// RemoveItem implements sessionstate.Store.
func (s *Store) RemoveItem(ctx context.Context, id string, cookie uint32) (sessionstate.WriteOutcome, error) {
	if err := sessionstate.ValidateID(id, s.cfg.MaxIDLength); err != nil {
		return sessionstate.WriteApplied, err
	}
	n, err := removeScript.Run(ctx, s.client, []string{s.key(id)}, cookie).Int()
	if err != nil {
		return sessionstate.WriteApplied, s.fault(err)
	}
	return outcome(n), nil
}

// ResetItemTimeout implements sessionstate.Store.
func (s *Store) ResetItemTimeout(ctx context.Context, id string) error {
	if err := sessionstate.ValidateID(id, s.cfg.MaxIDLength); err != nil {
		return err
	}
	if err := touchScript.Run(ctx, s.client, []string{s.key(id)}).Err(); err != nil {
		return s.fault(err)
	}
	return nil
}

// CreateUninitializedItem implements sessionstate.Store.
func (s *Store) CreateUninitializedItem(ctx context.Context, id string, data []byte, timeout time.Duration) error {
	if err := sessionstate.ValidateID(id, s.cfg.MaxIDLength); err != nil {
		return err
	}
	timeout = s.cfg.ClampTimeout(timeout)
	created, err := createScript.Run(ctx, s.client, []string{s.key(id)}, data, timeoutMillis(timeout)).Int()
	if err != nil {
		return s.fault(err)
	}
	if created == 0 {
		s.log.Debug("placeholder not created, record exists", "session_id", id)
	}
	return nil
}

// SetExpireCallback reports false: Redis expires keys without notice.
func (*Store) SetExpireCallback(sessionstate.ExpireCallback) bool {
	return false
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
