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

package watchdog

import (
	"context"

	"github.com/google/uuid"
)

type Iface interface {
	Start(ctx context.Context)
	RegisterHeartbeat(name string, warningsUntilFailure uint64, timeoutSeconds uint64, onlyWhenActive bool) uuid.UUID
	UnregisterHeartbeat(id uuid.UUID)
	ReportHeartbeatStatus(id uuid.UUID, status HeartbeatStatus)
	SetActive(active bool)
}
