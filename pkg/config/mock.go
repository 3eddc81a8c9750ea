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
	"sync"
)

// MockConfigManager serves a fixed config from memory.
type MockConfigManager struct {
	mu sync.Mutex

	Config      AgentConfig
	ConfigError error

	GetConfigCalled            bool
	GetConfigOrCreateNewCalled bool
}

func NewMockConfigManager() *MockConfigManager {
	return &MockConfigManager{Config: applyDefaults(AgentConfig{})}
}

func (m *MockConfigManager) WithConfig(cfg AgentConfig) *MockConfigManager {
	m.Config = applyDefaults(cfg)

	return m
}

func (m *MockConfigManager) WithConfigError(err error) *MockConfigManager {
	m.ConfigError = err

	return m
}

func (m *MockConfigManager) GetConfig(ctx context.Context) (AgentConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetConfigCalled = true
	if m.ConfigError != nil {
		return AgentConfig{}, m.ConfigError
	}

	return m.Config, nil
}

func (m *MockConfigManager) GetConfigOrCreateNew(ctx context.Context, overrides AgentConfig) (AgentConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetConfigOrCreateNewCalled = true
	if m.ConfigError != nil {
		return AgentConfig{}, m.ConfigError
	}

	m.Config = applyOverrides(m.Config, overrides)

	return m.Config, nil
}
