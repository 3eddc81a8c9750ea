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
	// DefaultDeferDuration is how long a pending operation waits for a
	// user decision before its notification is raised again.
	DefaultDeferDuration = 30 * time.Minute

	// BlockedReDeferDuration is the short re-defer applied when an install
	// or uninstall is accepted while block leases are outstanding.
	BlockedReDeferDuration = 3 * time.Minute

	// LaunchGraceDelay separates accepting an install/uninstall/reboot from
	// actually firing its callback, so in-flight protocol exchanges settle.
	LaunchGraceDelay = 2 * time.Second

	// DefaultInactivityTimeout closes a management session that has seen no
	// traffic and has no pending decisions.
	DefaultInactivityTimeout = 20 * time.Second

	// SessionOpenTimeout bounds a single transport open/handshake attempt.
	SessionOpenTimeout = 30 * time.Second

	// RetryTimerCount is the fixed length of the persisted retry-interval
	// table. Entries are minutes; zero disables the slot.
	RetryTimerCount = 8
)

// DefaultRetryTimersMinutes is the retry ladder used until the server or the
// user overwrites it: 15 min, 1 h, 4 h, 8 h, 1 d, 2 d, then two disabled
// slots.
var DefaultRetryTimersMinutes = [RetryTimerCount]uint16{15, 60, 240, 480, 1440, 2880, 0, 0}
