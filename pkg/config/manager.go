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

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tetherdm/tether-agent/pkg/constants"
	"github.com/tetherdm/tether-agent/pkg/env"
	"github.com/tetherdm/tether-agent/pkg/logger"
	"github.com/tetherdm/tether-agent/pkg/sentry"
	"github.com/tetherdm/tether-agent/pkg/service/filesystem"
)

// ConfigManager loads the bootstrap configuration.
type ConfigManager interface {
	// GetConfig reads and parses the config file.
	GetConfig(ctx context.Context) (AgentConfig, error)

	// GetConfigOrCreateNew reads the config file, creating it with
	// defaults and the given overrides when it does not exist yet.
	// Applied overrides are persisted.
	GetConfigOrCreateNew(ctx context.Context, overrides AgentConfig) (AgentConfig, error)
}

// FileConfigManager implements ConfigManager over a YAML file.
type FileConfigManager struct {
	configPath string
	fsService  filesystem.Service
	logger     *zap.SugaredLogger

	// mu serializes read-modify-write cycles against plain reads.
	mu sync.RWMutex
}

// NewFileConfigManager creates a manager for the file named by the
// TETHER_CONFIG_PATH environment variable, falling back to the default
// path.
func NewFileConfigManager() *FileConfigManager {
	configPath, err := env.GetAsString("TETHER_CONFIG_PATH", false, constants.DefaultConfigPath)
	if err != nil {
		configPath = constants.DefaultConfigPath
	}

	return &FileConfigManager{
		configPath: configPath,
		fsService:  filesystem.NewDefaultService(),
		logger:     logger.For(logger.ComponentConfigManager),
	}
}

// WithConfigPath overrides the config file location.
func (m *FileConfigManager) WithConfigPath(path string) *FileConfigManager {
	m.configPath = path

	return m
}

// WithFileSystemService allows swapping in a mock filesystem for tests.
func (m *FileConfigManager) WithFileSystemService(fsService filesystem.Service) *FileConfigManager {
	m.fsService = fsService

	return m
}

func (m *FileConfigManager) GetConfig(ctx context.Context) (AgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.readConfig(ctx)
}

// readConfig must be called with m.mu held.
func (m *FileConfigManager) readConfig(ctx context.Context) (AgentConfig, error) {
	if err := ctx.Err(); err != nil {
		return AgentConfig{}, err
	}

	exists, err := m.fsService.PathExists(ctx, m.configPath)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("failed to check config file: %w", err)
	}

	if !exists {
		return AgentConfig{}, fmt.Errorf("config file does not exist: %s", m.configPath)
	}

	data, err := m.fsService.ReadFile(ctx, m.configPath)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// An all-zero config usually means a truncated or empty file.
	if reflect.DeepEqual(cfg, AgentConfig{}) {
		return AgentConfig{}, fmt.Errorf("config file is empty: %s", m.configPath)
	}

	if err := cfg.Validate(); err != nil {
		return AgentConfig{}, fmt.Errorf("invalid config: %w", err)
	}

	return applyDefaults(cfg), nil
}

func (m *FileConfigManager) GetConfigOrCreateNew(ctx context.Context, overrides AgentConfig) (AgentConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return AgentConfig{}, err
	}

	exists, err := m.fsService.PathExists(ctx, m.configPath)
	if err != nil {
		m.logger.Warnf("failed to check if config file exists at %s: %v", m.configPath, err)

		exists = false
	}

	cfg := applyDefaults(AgentConfig{})
	if exists {
		cfg, err = m.readConfig(ctx)
		if err != nil {
			return AgentConfig{}, err
		}
	}

	merged := applyOverrides(cfg, overrides)
	if err := merged.Validate(); err != nil {
		return AgentConfig{}, fmt.Errorf("invalid config: %w", err)
	}

	if !exists || !reflect.DeepEqual(merged, cfg) {
		if err := m.writeConfig(ctx, merged); err != nil {
			return AgentConfig{}, err
		}
	}

	return merged, nil
}

// writeConfig stays unexported; every write goes through the manager's
// own read-modify-write cycle.
func (m *FileConfigManager) writeConfig(ctx context.Context, cfg AgentConfig) error {
	if err := m.fsService.EnsureDirectory(ctx, filepath.Dir(m.configPath)); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := m.fsService.WriteFile(ctx, m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	m.logger.Infof("wrote config to %s", m.configPath)

	return nil
}

// LoadWithEnvOverrides loads the bootstrap config and applies
// environment overrides, creating the file on first boot.
//
// Precedence, highest first: environment variables, config file values,
// defaults. Applied overrides are written back, so they persist across
// restarts.
func LoadWithEnvOverrides(ctx context.Context, manager ConfigManager, log *zap.SugaredLogger) (AgentConfig, error) {
	var overrides AgentConfig

	serial, err := env.GetAsString("TETHER_SERIAL_NUMBER", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to read TETHER_SERIAL_NUMBER: %v", err)
	}

	overrides.Device.SerialNumber = serial

	metricsAddr, err := env.GetAsString("TETHER_METRICS_ADDR", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to read TETHER_METRICS_ADDR: %v", err)
	}

	overrides.Device.MetricsAddress = metricsAddr

	apn, err := env.GetAsString("TETHER_APN", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to read TETHER_APN: %v", err)
	}

	overrides.Bearer.APN = apn

	pollMinutes, err := env.GetAsInt("TETHER_POLLING_INTERVAL_MIN", false, 0)
	if err != nil || pollMinutes < 0 {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Ignoring invalid TETHER_POLLING_INTERVAL_MIN: %v", err)

		pollMinutes = 0
	}

	if pollMinutes > 0 {
		overrides.Session.PollingIntervalMinutes = uint32(pollMinutes)
	}

	cfg, err := manager.GetConfigOrCreateNew(ctx, overrides)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}
