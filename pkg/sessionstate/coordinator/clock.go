// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package coordinator

import "time"

// Clock abstracts the time source of the poll loop so tests can drive it.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the poll loop needs.
type Ticker interface {
	// Chan returns the channel ticks are delivered on.
	Chan() <-chan time.Time
	// Stop turns the ticker off. No tick is delivered afterwards.
	Stop()
}

// NewStandardClock returns a Clock backed by package time.
func NewStandardClock() Clock {
	return standardClock{}
}

type standardClock struct{}

func (standardClock) Now() time.Time { return time.Now() }

func (standardClock) NewTicker(d time.Duration) Ticker {
	return &standardTicker{ticker: time.NewTicker(d)}
}

type standardTicker struct {
	ticker *time.Ticker
}

func (t *standardTicker) Chan() <-chan time.Time { return t.ticker.C }

func (t *standardTicker) Stop() { t.ticker.Stop() }
