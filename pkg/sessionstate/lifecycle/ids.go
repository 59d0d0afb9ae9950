// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"

	"github.com/stacklok/statestore/pkg/sessionstate"
)

// IDManager issues and checks session ids.
type IDManager interface {
	// CreateID returns a fresh id.
	CreateID(ctx context.Context) (string, error)
	// Validate reports whether id is well formed. Malformed ids are treated
	// as absent.
	Validate(id string) bool
}

type defaultIDManager struct {
	maxLen int
}

// NewIDManager returns the default IDManager: random uuid-derived ids and
// the store's id syntax.
func NewIDManager(maxLen int) IDManager {
	return defaultIDManager{maxLen: maxLen}
}

func (defaultIDManager) CreateID(context.Context) (string, error) {
	return sessionstate.NewID(), nil
}

func (m defaultIDManager) Validate(id string) bool {
	return sessionstate.ValidateID(id, m.maxLen) == nil
}
