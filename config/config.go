/*
 * MIT License
 *
 * Copyright (c) 2025 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package config loads the transport's tunables from a viper source
// (file, env, flags) into the typed Options/Config structs every other
// package takes as constructor input, the way the teacher's components
// load their settings through spf13/viper plus mitchellh/mapstructure.
package config

import (
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/nabbar/hsms-transport/codec"
	"github.com/nabbar/hsms-transport/internal/hsmserr"
	"github.com/nabbar/hsms-transport/pool"
	"github.com/nabbar/hsms-transport/rawconn"
	"github.com/nabbar/hsms-transport/resilient"
)

// Endpoint describes one HSMS peer to dial or accept connections from.
type Endpoint struct {
	Mode    string `mapstructure:"mode"` // "active" or "passive"
	Address string `mapstructure:"address"`
}

// Timers mirrors the SEMI timer names directly so operators can tune
// them by their familiar T-numbers (spec §3 Timers).
type Timers struct {
	T3Ms int `mapstructure:"t3_ms"`
	T5Ms int `mapstructure:"t5_ms"`
	T6Ms int `mapstructure:"t6_ms"`
	T7Ms int `mapstructure:"t7_ms"`
	T8Ms int `mapstructure:"t8_ms"`
}

// Circuit mirrors breaker.Config's tunables.
type Circuit struct {
	FailureThreshold  uint64        `mapstructure:"failure_threshold"`
	OpenDurationMs    int           `mapstructure:"open_duration_ms"`
	HalfOpenDelayMs   int           `mapstructure:"half_open_delay_ms"`
}

// PoolSettings mirrors pool.Config's tunables.
type PoolSettings struct {
	MinSize             int `mapstructure:"min_size"`
	MaxSize             int `mapstructure:"max_size"`
	ConnectionTimeoutMs int `mapstructure:"connection_timeout_ms"`
	CleanupIntervalMs   int `mapstructure:"cleanup_interval_ms"`
	IdleTimeoutMs       int `mapstructure:"idle_timeout_ms"`
}

// Config is the root configuration document for one HSMS endpoint and,
// optionally, the pool fronting it.
type Config struct {
	Endpoint Endpoint `mapstructure:"endpoint"`
	Timers   Timers   `mapstructure:"timers"`
	Circuit  Circuit  `mapstructure:"circuit"`
	Pool     PoolSettings `mapstructure:"pool"`

	MaxFrameBytes           uint32 `mapstructure:"max_frame_bytes"`
	LegacyHeaderLayout      bool   `mapstructure:"legacy_header_layout"`
	Wide32BitSystemBytes    bool   `mapstructure:"wide_32bit_system_bytes"`
	MaxRetryAttempts        int    `mapstructure:"max_retry_attempts"`
	RetryBaseDelayMs        int    `mapstructure:"retry_base_delay_ms"`
	MaxReconnectAttempts    int    `mapstructure:"max_reconnect_attempts"`
	LinktestIntervalMs      int    `mapstructure:"linktest_interval_ms"`
	HealthCheckIntervalMs   int    `mapstructure:"health_check_interval_ms"`
	MaxConcurrentOperations int64  `mapstructure:"max_concurrent_operations"`
}

// Load decodes Config from v using mapstructure, the way the teacher's
// components unmarshal their settings out of a shared viper instance.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return Config{}, hsmserr.IO(err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return Config{}, hsmserr.IO(err)
	}
	return cfg, nil
}

// Validate checks the decoded Config for internally-consistent values
// before it is handed to any constructor.
func (c Config) Validate() error {
	if c.Endpoint.Mode != "active" && c.Endpoint.Mode != "passive" {
		return hsmserr.InvalidState("endpoint.mode must be \"active\" or \"passive\"")
	}
	if c.Endpoint.Address == "" {
		return hsmserr.InvalidState("endpoint.address must not be empty")
	}
	if c.Pool.MinSize < 0 || (c.Pool.MaxSize > 0 && c.Pool.MinSize > c.Pool.MaxSize) {
		return hsmserr.InvalidState("pool.min_size must be between 0 and pool.max_size")
	}
	return nil
}

func (c Config) rawconnMode() rawconn.Mode {
	if c.Endpoint.Mode == "passive" {
		return rawconn.Passive
	}
	return rawconn.Active
}

func (c Config) layout() codec.Layout {
	if c.LegacyHeaderLayout {
		return codec.LayoutLegacy
	}
	return codec.LayoutCurrent
}

// ResilientOptions converts the decoded Config into resilient.Options.
func (c Config) ResilientOptions() resilient.Options {
	return resilient.Options{
		T5Ms:                    c.Timers.T5Ms,
		T8Ms:                    c.Timers.T8Ms,
		MaxFrameBytes:           c.MaxFrameBytes,
		Layout:                  c.layout(),
		T3Ms:                    c.Timers.T3Ms,
		T6Ms:                    c.Timers.T6Ms,
		T7Ms:                    c.Timers.T7Ms,
		MaxRetryAttempts:        c.MaxRetryAttempts,
		RetryBaseDelayMs:        c.RetryBaseDelayMs,
		MaxReconnectAttempts:    c.MaxReconnectAttempts,
		LinktestIntervalMs:      c.LinktestIntervalMs,
		HealthCheckIntervalMs:   c.HealthCheckIntervalMs,
		CircuitThreshold:        c.Circuit.FailureThreshold,
		CircuitOpenDuration:     time.Duration(c.Circuit.OpenDurationMs) * time.Millisecond,
		HalfOpenTestDelay:       time.Duration(c.Circuit.HalfOpenDelayMs) * time.Millisecond,
		MaxConcurrentOperations: c.MaxConcurrentOperations,
		Wide32BitSystemBytes:    c.Wide32BitSystemBytes,
	}.WithDefaults()
}

// PoolConfig converts the decoded Config into pool.Config.
func (c Config) PoolConfig() pool.Config {
	return pool.Config{
		MinSize:           c.Pool.MinSize,
		MaxSize:           c.Pool.MaxSize,
		ConnectionTimeout: time.Duration(c.Pool.ConnectionTimeoutMs) * time.Millisecond,
		CleanupInterval:   time.Duration(c.Pool.CleanupIntervalMs) * time.Millisecond,
		IdleTimeout:       time.Duration(c.Pool.IdleTimeoutMs) * time.Millisecond,
	}.WithDefaults()
}

// Mode exposes the decoded rawconn.Mode for callers building their own
// resilient.Connection via resilient.New.
func (c Config) Mode() rawconn.Mode { return c.rawconnMode() }
