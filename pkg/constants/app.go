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

const (
	// DefaultAppVersion is the placeholder used when the binary was not
	// built with a release version injected via ldflags.
	DefaultAppVersion = "0.0.0-dev"

	// DefaultDevelopmentEnvironment tags issue reports from prerelease and
	// local builds.
	DefaultDevelopmentEnvironment = "development"

	// DefaultProductionEnvironment tags issue reports from release builds.
	DefaultProductionEnvironment = "production"

	// DefaultMetricsAddress is where the Prometheus endpoint listens when
	// the bootstrap config leaves it unset.
	DefaultMetricsAddress = ":8081"
)
