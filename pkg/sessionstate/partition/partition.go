// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package partition routes session ids to backend partitions and holds the
// per-partition resources (HTTP transports, database pools) the backends use.
package partition

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	sserrors "github.com/stacklok/statestore/pkg/errors"
)

// ErrClosed is returned by a Set after Close.
var ErrClosed = errors.New("partition set is closed")

// Resolver maps a session id to the partition that owns it.
type Resolver interface {
	// Resolve returns the partition for id. It must be stable for the
	// lifetime of the process.
	Resolve(id string) string
	// Partitions lists every partition the resolver can return.
	Partitions() []string
}

// HashResolver spreads ids over a fixed list of partitions with FNV-1a.
type HashResolver struct {
	partitions []string
}

// NewHashResolver returns a resolver over partitions. Duplicate or empty
// entries are rejected so every id has exactly one owner.
func NewHashResolver(partitions []string) (*HashResolver, error) {
	if len(partitions) == 0 {
		return nil, sserrors.NewInvalidArgumentError("at least one partition is required", nil)
	}
	seen := make(map[string]struct{}, len(partitions))
	for _, p := range partitions {
		if p == "" {
			return nil, sserrors.NewInvalidArgumentError("partition is empty", nil)
		}
		if _, dup := seen[p]; dup {
			return nil, sserrors.NewInvalidArgumentError(fmt.Sprintf("partition %q is listed twice", p), nil)
		}
		seen[p] = struct{}{}
	}
	return &HashResolver{partitions: append([]string(nil), partitions...)}, nil
}

// Resolve implements Resolver.
func (r *HashResolver) Resolve(id string) string {
	if len(r.partitions) == 1 {
		return r.partitions[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.partitions[h.Sum32()%uint32(len(r.partitions))]
}

// Partitions implements Resolver.
func (r *HashResolver) Partitions() []string {
	return append([]string(nil), r.partitions...)
}

// OpenFunc creates the resource for one partition.
type OpenFunc[T any] func(ctx context.Context, partition string) (T, error)

// CloseFunc releases a resource created by an OpenFunc.
type CloseFunc[T any] func(T) error

// Set lazily opens one resource per partition and hands it out for every id
// the partition owns. Opening happens at most once per partition unless the
// resource is invalidated.
type Set[T any] struct {
	resolver Resolver
	open     OpenFunc[T]
	release  CloseFunc[T]

	mu      sync.RWMutex
	entries map[string]T
	closed  bool
}

// NewSet returns a Set. release may be nil when resources need no cleanup.
func NewSet[T any](resolver Resolver, open OpenFunc[T], release CloseFunc[T]) *Set[T] {
	return &Set[T]{
		resolver: resolver,
		open:     open,
		release:  release,
		entries:  make(map[string]T),
	}
}

// Resolve returns the partition owning id.
func (s *Set[T]) Resolve(id string) string {
	return s.resolver.Resolve(id)
}

// For returns the resource of the partition owning id together with the
// partition name.
func (s *Set[T]) For(ctx context.Context, id string) (T, string, error) {
	p := s.resolver.Resolve(id)
	v, err := s.Get(ctx, p)
	return v, p, err
}

// Get returns the resource for partition, opening it on first use.
func (s *Set[T]) Get(ctx context.Context, partition string) (T, error) {
	s.mu.RLock()
	v, ok := s.entries[partition]
	closed := s.closed
	s.mu.RUnlock()
	var zero T
	if closed {
		return zero, ErrClosed
	}
	if ok {
		return v, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return zero, ErrClosed
	}
	if v, ok := s.entries[partition]; ok {
		return v, nil
	}
	v, err := s.open(ctx, partition)
	if err != nil {
		return zero, sserrors.NewConnectionError(partition, sserrors.PhaseInitializing, "opening partition", err)
	}
	s.entries[partition] = v
	return v, nil
}

// Opened lists the partitions whose resource is currently open.
func (s *Set[T]) Opened() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for _, p := range s.resolver.Partitions() {
		if _, ok := s.entries[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Partitions lists every partition of the resolver.
func (s *Set[T]) Partitions() []string {
	return s.resolver.Partitions()
}

// Invalidate drops the resource for partition so the next Get opens a new one.
func (s *Set[T]) Invalidate(partition string) error {
	s.mu.Lock()
	v, ok := s.entries[partition]
	delete(s.entries, partition)
	s.mu.Unlock()
	if !ok || s.release == nil {
		return nil
	}
	return s.release(v)
}

// Close releases every open resource. Later calls to Get fail with ErrClosed.
func (s *Set[T]) Close() error {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[string]T)
	s.closed = true
	s.mu.Unlock()

	if s.release == nil {
		return nil
	}
	var errs []error
	for p, v := range entries {
		if err := s.release(v); err != nil {
			errs = append(errs, fmt.Errorf("closing partition %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}
