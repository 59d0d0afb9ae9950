// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	neturl "net/url"
	"strings"

	"github.com/stacklok/statestore/pkg/sessionstate"
)

// Validator validates configuration.
type Validator interface {
	// Validate checks cfg and reports every problem found.
	Validate(cfg *Config) error
}

// DefaultValidator checks the rules every deployment must satisfy.
type DefaultValidator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// Validate performs validation of the whole configuration.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", ErrInvalidConfig)
	}

	var problems []string
	if cfg.Listen == "" {
		problems = append(problems, "listen address is required")
	}
	if cfg.MaxRecordSize <= 0 {
		problems = append(problems, "max_record_size must be positive")
	}
	problems = append(problems, v.validateStore(&cfg.Store)...)

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(problems, "\n  - "))
	}
	return nil
}

func (v *DefaultValidator) validateStore(sc *sessionstate.StoreConfig) []string {
	var problems []string
	if sc.Timeout <= 0 {
		problems = append(problems, "store.timeout must be positive")
	}
	if sc.MaxTimeout < sc.Timeout {
		problems = append(problems, "store.max_timeout must not be below store.timeout")
	}
	if sc.MaxIDLength <= 0 {
		problems = append(problems, "store.max_id_length must be positive")
	}
	if sc.PollInterval <= 0 {
		problems = append(problems, "store.poll_interval must be positive")
	}
	if sc.MinPollSpacing < 0 {
		problems = append(problems, "store.min_poll_spacing must not be negative")
	}
	if sc.ExecutionTimeout <= 0 {
		problems = append(problems, "store.execution_timeout must be positive")
	}

	switch sc.Mode {
	case sessionstate.ModeMemory:
	case sessionstate.ModeRemote:
		problems = append(problems, v.validateRemote(&sc.Remote)...)
	case sessionstate.ModeSQL:
		problems = append(problems, validateSQL(&sc.SQL)...)
	case sessionstate.ModeCustom:
		if sc.Redis.Address == "" {
			problems = append(problems, "store.redis.address is required in custom mode")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.mode %q is not one of memory, remote, sql, custom", sc.Mode))
	}
	return problems
}

func (*DefaultValidator) validateRemote(rc *sessionstate.RemoteConfig) []string {
	var problems []string
	if len(rc.Partitions) == 0 {
		problems = append(problems, "store.remote.partitions is required in remote mode")
	}
	for _, p := range rc.Partitions {
		u, err := neturl.Parse(p)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, fmt.Sprintf("store.remote.partitions: %q is not an http(s) URL", p))
		}
	}
	if rc.Timeout <= 0 {
		problems = append(problems, "store.remote.timeout must be positive")
	}
	return problems
}

func validateSQL(sc *sessionstate.SQLConfig) []string {
	var problems []string
	if len(sc.Partitions) == 0 {
		problems = append(problems, "store.sql.partitions is required in sql mode")
	}
	if sc.LongItemThreshold <= 0 {
		problems = append(problems, "store.sql.long_item_threshold must be positive")
	}
	return problems
}
