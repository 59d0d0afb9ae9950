// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sessionstate

import "time"

// Mode selects the backend.
type Mode string

// Backend modes.
const (
	ModeMemory Mode = "memory"
	ModeRemote Mode = "remote"
	ModeSQL    Mode = "sql"
	ModeCustom Mode = "custom"
)

// Defaults.
const (
	DefaultTimeout          = 20 * time.Minute
	DefaultMaxTimeout       = 365 * 24 * time.Hour
	DefaultMaxIDLength      = 80
	DefaultPollInterval     = 500 * time.Millisecond
	DefaultMinPollSpacing   = 250 * time.Millisecond
	DefaultExecutionTimeout = 110 * time.Second

	DefaultRemoteTimeout      = 10 * time.Second
	DefaultRemoteIdleLifetime = 90 * time.Second
	DefaultMinServerVersion   = 2

	DefaultLongItemThreshold = 7000
	DefaultRetryWindow       = 30 * time.Second
	DefaultRetryInitialDelay = 5 * time.Second
	DefaultRetryInterval     = 1 * time.Second
	DefaultSweepInterval     = time.Minute
	DefaultSQLIdleLifetime   = 90 * time.Second

	DefaultRedisKeyPrefix = "statestore:"
)

// StoreConfig is the process-wide session store configuration. It is built
// once at startup and handed to every constructor.
type StoreConfig struct {
	Mode Mode `json:"mode" yaml:"mode"`

	// Timeout is the sliding expiry of a record.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// MaxTimeout caps any record timeout.
	MaxTimeout time.Duration `json:"max_timeout" yaml:"max_timeout"`
	// MaxIDLength is the longest accepted session id.
	MaxIDLength int `json:"max_id_length" yaml:"max_id_length"`
	// Compression deflates encoded records.
	Compression bool `json:"compression" yaml:"compression"`

	// PollInterval is the period of lock polling.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	// MinPollSpacing is the minimum gap between two acquire attempts.
	MinPollSpacing time.Duration `json:"min_poll_spacing" yaml:"min_poll_spacing"`
	// ExecutionTimeout is the request budget. A lock older than this is
	// presumed abandoned and broken.
	ExecutionTimeout time.Duration `json:"execution_timeout" yaml:"execution_timeout"`
	// RegenerateExpiredID issues a fresh id when a requested id has no record.
	RegenerateExpiredID bool `json:"regenerate_expired_id" yaml:"regenerate_expired_id"`

	Remote RemoteConfig `json:"remote" yaml:"remote"`
	SQL    SQLConfig    `json:"sql" yaml:"sql"`
	Redis  RedisConfig  `json:"redis" yaml:"redis"`
}

// RemoteConfig configures the state service client.
type RemoteConfig struct {
	// Partitions are base URLs of state service instances.
	Partitions []string `json:"partitions" yaml:"partitions"`
	// Timeout bounds a single request.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// IdleLifetime is how long a pooled connection may stay idle.
	IdleLifetime time.Duration `json:"idle_lifetime" yaml:"idle_lifetime"`
	// MinServerVersion is the lowest accepted service major version.
	MinServerVersion int `json:"min_server_version" yaml:"min_server_version"`
}

// SQLConfig configures the relational backend.
type SQLConfig struct {
	// Partitions are SQLite data source names.
	Partitions []string `json:"partitions" yaml:"partitions"`
	// LongItemThreshold is the size from which records use the long column.
	LongItemThreshold int `json:"long_item_threshold" yaml:"long_item_threshold"`
	// RetryWindow bounds the retries of transient faults. A negative window
	// disables retry; zero in a config file means the default.
	RetryWindow time.Duration `json:"retry_window" yaml:"retry_window"`
	// RetryInitialDelay is the sleep before the first retry.
	RetryInitialDelay time.Duration `json:"retry_initial_delay" yaml:"retry_initial_delay"`
	// RetryInterval is the sleep between later retries.
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval"`
	// SweepInterval is the period of the expired record sweeper.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	// IdleLifetime is how long a pooled connection may stay idle.
	IdleLifetime time.Duration `json:"idle_lifetime" yaml:"idle_lifetime"`
}

// RedisConfig configures the Redis backend used by ModeCustom.
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultStoreConfig returns the configuration used when nothing is set.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Mode:             ModeMemory,
		Timeout:          DefaultTimeout,
		MaxTimeout:       DefaultMaxTimeout,
		MaxIDLength:      DefaultMaxIDLength,
		PollInterval:     DefaultPollInterval,
		MinPollSpacing:   DefaultMinPollSpacing,
		ExecutionTimeout: DefaultExecutionTimeout,
		Remote: RemoteConfig{
			Timeout:          DefaultRemoteTimeout,
			IdleLifetime:     DefaultRemoteIdleLifetime,
			MinServerVersion: DefaultMinServerVersion,
		},
		SQL: SQLConfig{
			LongItemThreshold: DefaultLongItemThreshold,
			RetryWindow:       DefaultRetryWindow,
			RetryInitialDelay: DefaultRetryInitialDelay,
			RetryInterval:     DefaultRetryInterval,
			SweepInterval:     DefaultSweepInterval,
			IdleLifetime:      DefaultSQLIdleLifetime,
		},
		Redis: RedisConfig{
			KeyPrefix: DefaultRedisKeyPrefix,
		},
	}
}

// ClampTimeout bounds d to (0, MaxTimeout]. A non-positive d yields Timeout.
func (c *StoreConfig) ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		d = c.Timeout
	}
	if c.MaxTimeout > 0 && d > c.MaxTimeout {
		d = c.MaxTimeout
	}
	return d
}
