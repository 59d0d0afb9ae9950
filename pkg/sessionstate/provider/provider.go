// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package provider builds the session store selected by StoreConfig.Mode.
package provider

import (
	"context"
	"fmt"
	"log/slog"

	sserrors "github.com/stacklok/statestore/pkg/errors"
	"github.com/stacklok/statestore/pkg/sessionstate"
	"github.com/stacklok/statestore/pkg/sessionstate/memory"
	"github.com/stacklok/statestore/pkg/sessionstate/redisstore"
	"github.com/stacklok/statestore/pkg/sessionstate/remote"
	"github.com/stacklok/statestore/pkg/sessionstate/sqlstore"
)

// CustomFactory builds the store used by ModeCustom.
type CustomFactory func(ctx context.Context, cfg sessionstate.StoreConfig) (sessionstate.Store, error)

type options struct {
	log    *slog.Logger
	custom CustomFactory
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger handed to the backend.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithCustom sets the factory of ModeCustom. Without one ModeCustom uses
// the Redis backend.
func WithCustom(f CustomFactory) Option {
	return func(o *options) { o.custom = f }
}

// New returns the store for cfg.Mode.
func New(ctx context.Context, cfg sessionstate.StoreConfig, opts ...Option) (sessionstate.Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	switch cfg.Mode {
	case sessionstate.ModeMemory, "":
		return memory.New(cfg, memory.WithLogger(o.log)), nil
	case sessionstate.ModeRemote:
		return remote.New(cfg, remote.WithLogger(o.log))
	case sessionstate.ModeSQL:
		return sqlstore.New(cfg, sqlstore.WithLogger(o.log))
	case sessionstate.ModeCustom:
		if o.custom != nil {
			return o.custom(ctx, cfg)
		}
		return redisstore.New(ctx, cfg, redisstore.WithLogger(o.log))
	}
	return nil, sserrors.NewInvalidArgumentError(fmt.Sprintf("unknown session store mode %q", cfg.Mode), nil)
}
