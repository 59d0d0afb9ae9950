// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sessionstate

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	sserrors "github.com/stacklok/statestore/pkg/errors"
)

// ValidateID checks a session id before any backend call. Legal ids are
// non-empty, at most maxLen bytes and made of ASCII letters, digits, '-'
// and '_'.
func ValidateID(id string, maxLen int) error {
	if id == "" {
		return sserrors.NewInvalidArgumentError("session id is empty", nil)
	}
	if maxLen > 0 && len(id) > maxLen {
		return sserrors.NewIDTooLongError(id, maxLen)
	}
	for i := 0; i < len(id); i++ {
		if !legalIDChar(id[i]) {
			return sserrors.NewInvalidArgumentError(fmt.Sprintf("session id contains illegal character %q at position %d", id[i], i), nil)
		}
	}
	return nil
}

func legalIDChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}

// NewID returns a fresh session id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
