// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeout(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1", FormatTimeout(0))
	assert.Equal(t, "1", FormatTimeout(30*time.Second))
	assert.Equal(t, "20", FormatTimeout(20*time.Minute))
	assert.Equal(t, "21", FormatTimeout(20*time.Minute+time.Second))

	d, err := ParseTimeout("20")
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, d)

	for _, bad := range []string{"", "0", "-3", "x", "99999999999"} {
		_, err := ParseTimeout(bad)
		assert.Error(t, err, bad)
	}
}

func TestLockAge(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0", FormatLockAge(-time.Second))
	assert.Equal(t, "12", FormatLockAge(12900*time.Millisecond))

	d, err := ParseLockAge("120")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	_, err = ParseLockAge("-1")
	assert.Error(t, err)
}

func TestMajor(t *testing.T) {
	t.Parallel()

	tests := map[string]int{"2.0": 2, "v3.1.4": 3, "1": 1, " 10.2 ": 10}
	for in, want := range tests {
		got, err := Major(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := Major("beta")
	assert.Error(t, err)
}

func TestUint(t *testing.T) {
	t.Parallel()

	v, err := ParseUint(HeaderLockCookie, FormatUint(4294967295))
	require.NoError(t, err)
	assert.Equal(t, uint32(4294967295), v)

	_, err = ParseUint(HeaderLockCookie, "4294967296")
	assert.Error(t, err)
}
