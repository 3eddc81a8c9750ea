// Copyright 2025 Tether Device Management
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the agent's bootstrap configuration.
//
// The config file seeds the device on first boot. Values the server can
// change at runtime (polling interval, retry ladder, agreement flags,
// bearer credentials) move into the persisted settings afterwards; the
// file is not re-read for them.
package config

import (
	"fmt"
	"time"

	"github.com/tetherdm/tether-agent/pkg/constants"
)

// AgentConfig is the full bootstrap configuration.
type AgentConfig struct {
	Device  DeviceConfig  `yaml:"device"`            // Device identity and on-disk layout
	Session SessionConfig `yaml:"session"`           // Session manager seed values
	Bearer  BearerConfig  `yaml:"bearer,omitempty"`  // Cellular bearer defaults
	Updates UpdatesConfig `yaml:"updates,omitempty"` // Update lifecycle seed values
}

// DeviceConfig identifies the device and its on-disk layout.
type DeviceConfig struct {
	SerialNumber   string `yaml:"serialNumber,omitempty"`   // Serial reported in the device tree; hostname when empty
	DataDir        string `yaml:"dataDir,omitempty"`        // Database, push queue and config live here
	MetricsAddress string `yaml:"metricsAddress,omitempty"` // Listen address of the Prometheus endpoint
}

// SessionConfig seeds the session manager on first boot.
type SessionConfig struct {
	PollingIntervalMinutes   uint32   `yaml:"pollingIntervalMinutes"`             // 0 disables periodic sessions
	InactivityTimeoutSeconds uint32   `yaml:"inactivityTimeoutSeconds,omitempty"` // Idle seconds before the session closes
	RetryTimersMinutes       []uint16 `yaml:"retryTimersMinutes,omitempty"`       // Connection retry ladder; 0 entries are skipped
}

// BearerConfig carries the cellular bearer defaults.
type BearerConfig struct {
	APN      string `yaml:"apn,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// UpdatesConfig seeds the update lifecycle on first boot.
type UpdatesConfig struct {
	UserAgreements AgreementsConfig `yaml:"userAgreements,omitempty"`
}

// AgreementsConfig enables user confirmation per operation. A flag left
// false keeps the matching operation automatic.
type AgreementsConfig struct {
	Connect   bool `yaml:"connect"`
	Download  bool `yaml:"download"`
	Install   bool `yaml:"install"`
	Uninstall bool `yaml:"uninstall"`
	Reboot    bool `yaml:"reboot"`
}

// Validate rejects configs the agent cannot run with.
func (c AgentConfig) Validate() error {
	if n := len(c.Session.RetryTimersMinutes); n != 0 && n != constants.RetryTimerCount {
		return fmt.Errorf("session.retryTimersMinutes must have %d entries, got %d", constants.RetryTimerCount, n)
	}

	return nil
}

// applyDefaults fills the fields the agent needs regardless of what the
// file provides.
func applyDefaults(cfg AgentConfig) AgentConfig {
	if cfg.Device.DataDir == "" {
		cfg.Device.DataDir = constants.DefaultDataDir
	}

	if cfg.Device.MetricsAddress == "" {
		cfg.Device.MetricsAddress = constants.DefaultMetricsAddress
	}

	if cfg.Session.InactivityTimeoutSeconds == 0 {
		cfg.Session.InactivityTimeoutSeconds = uint32(constants.DefaultInactivityTimeout / time.Second)
	}

	if len(cfg.Session.RetryTimersMinutes) == 0 {
		cfg.Session.RetryTimersMinutes = append([]uint16(nil), constants.DefaultRetryTimersMinutes[:]...)
	}

	return cfg
}

// applyOverrides copies every non-zero override onto cfg. Agreement
// flags cannot be overridden here; false is a meaningful value.
func applyOverrides(cfg AgentConfig, overrides AgentConfig) AgentConfig {
	if overrides.Device.SerialNumber != "" {
		cfg.Device.SerialNumber = overrides.Device.SerialNumber
	}

	if overrides.Device.DataDir != "" {
		cfg.Device.DataDir = overrides.Device.DataDir
	}

	if overrides.Device.MetricsAddress != "" {
		cfg.Device.MetricsAddress = overrides.Device.MetricsAddress
	}

	if overrides.Session.PollingIntervalMinutes > 0 {
		cfg.Session.PollingIntervalMinutes = overrides.Session.PollingIntervalMinutes
	}

	if overrides.Session.InactivityTimeoutSeconds > 0 {
		cfg.Session.InactivityTimeoutSeconds = overrides.Session.InactivityTimeoutSeconds
	}

	if len(overrides.Session.RetryTimersMinutes) > 0 {
		cfg.Session.RetryTimersMinutes = append([]uint16(nil), overrides.Session.RetryTimersMinutes...)
	}

	if overrides.Bearer.APN != "" {
		cfg.Bearer.APN = overrides.Bearer.APN
	}

	if overrides.Bearer.Username != "" {
		cfg.Bearer.Username = overrides.Bearer.Username
	}

	if overrides.Bearer.Password != "" {
		cfg.Bearer.Password = overrides.Bearer.Password
	}

	return cfg
}
