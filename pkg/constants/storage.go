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

package constants

import "time"

const (
	// DefaultDataDir is where the agent keeps everything that must survive
	// a restart: database, push queue, bootstrap config.
	DefaultDataDir = "/data/tether"

	// DefaultConfigPath is the default path to the bootstrap config file.
	DefaultConfigPath = "/data/tether/config.yaml"

	// DatabaseFileName is the SQLite file name inside the data directory.
	DatabaseFileName = "agent.db"

	// SettingsCollection holds the device-management records: agreement
	// flags, retry table, polling interval, APN credentials.
	SettingsCollection = "settings"

	// ResourceValuesCollection holds one document per Setting-mode resource.
	ResourceValuesCollection = "resource_values"

	// PushQueueDir is the on-disk directory of the uplink push queue,
	// relative to the data directory.
	PushQueueDir = "pushq"

	// PushCompressionThreshold is the payload size above which queued
	// pushes are compressed before framing.
	PushCompressionThreshold = 1024

	// PushDrainMaxElapsed caps one drain attempt's retry schedule; the item
	// stays queued and the next session retriggers the drain.
	PushDrainMaxElapsed = 5 * time.Minute

	// PushDrainInterval is how often the sender sweeps the queue between
	// explicit kicks.
	PushDrainInterval = 30 * time.Second

	// PushQueueWarnDepth is the backlog at which the push sender starts
	// warning its watchdog heartbeat.
	PushQueueWarnDepth = 256

	// DefaultWatchdogTimeout is the heartbeat interval after which a
	// component is first warned.
	DefaultWatchdogTimeout = 60 * time.Second

	// DefaultWarningsUntilFailure is how many missed heartbeats escalate a
	// warning into a failure.
	DefaultWarningsUntilFailure = 3
)
