// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package wire holds the HTTP protocol shared by the state service and its
// client. Lock state travels in headers; the body carries the encoded record.
//
//	GET    /sessions/{id}                      read, 200 | 423 | 404
//	GET    /sessions/{id}  Exclusive: acquire  lock and read, 200 | 423 | 404
//	GET    /sessions/{id}  Exclusive: release  release the lock, 200
//	PUT    /sessions/{id}                      store and release, 200 | 423
//	PUT    /sessions/{id}  ExtraFlags: 1       create a placeholder, 200
//	DELETE /sessions/{id}                      remove, 200 | 423
//	HEAD   /sessions/{id}                      renew the expiry, 200
//	GET    /version                            protocol version handshake
package wire

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Request and response headers.
const (
	HeaderExclusive   = "Exclusive"
	HeaderTimeout     = "Timeout"
	HeaderLockCookie  = "LockCookie"
	HeaderExtraFlags  = "ExtraFlags"
	HeaderActionFlags = "ActionFlags"
	HeaderLockDate    = "LockDate"
	HeaderLockAge     = "LockAge"
	HeaderVersion     = "X-StateServer-Version"
)

// Values of HeaderExclusive.
const (
	ExclusiveAcquire = "acquire"
	ExclusiveRelease = "release"
)

// Paths served by the state service.
const (
	SessionsPath = "/sessions"
	VersionPath  = "/version"
)

// Version is the protocol version spoken by this module.
const Version = "2.0"

// FormatTimeout renders d as whole minutes, rounding up.
func FormatTimeout(d time.Duration) string {
	minutes := (d + time.Minute - 1) / time.Minute
	if minutes < 1 {
		minutes = 1
	}
	if minutes > math.MaxInt32 {
		minutes = math.MaxInt32
	}
	return strconv.FormatInt(int64(minutes), 10)
}

// ParseTimeout parses a HeaderTimeout value.
func ParseTimeout(s string) (time.Duration, error) {
	minutes, err := strconv.ParseInt(s, 10, 32)
	if err != nil || minutes < 1 {
		return 0, fmt.Errorf("invalid %s header %q", HeaderTimeout, s)
	}
	return time.Duration(minutes) * time.Minute, nil
}

// FormatUint renders a cookie or flag value.
func FormatUint(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}

// ParseUint parses a cookie or flag header.
func ParseUint(name, s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s header %q", name, s)
	}
	return uint32(v), nil
}

// FormatLockAge renders a lock age in whole seconds.
func FormatLockAge(d time.Duration) string {
	return strconv.FormatInt(int64(max(d, 0)/time.Second), 10)
}

// ParseLockAge parses a HeaderLockAge value.
func ParseLockAge(s string) (time.Duration, error) {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid %s header %q", HeaderLockAge, s)
	}
	return time.Duration(secs) * time.Second, nil
}

// Major returns the major component of a dotted version string.
func Major(version string) (int, error) {
	head, _, _ := strings.Cut(strings.TrimPrefix(strings.TrimSpace(version), "v"), ".")
	major, err := strconv.Atoi(head)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q", version)
	}
	return major, nil
}
