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
	// MaxPayloadBytes is the hard bound on a single request or response
	// payload. Larger payloads are rejected, never truncated.
	MaxPayloadBytes = 4096

	// MaxPathLen bounds a full resource path including the namespace prefix.
	MaxPathLen = 255

	// MaxPathDepth bounds the number of segments in a resource path and the
	// nesting depth the codec will follow.
	MaxPathDepth = 16

	// MaxDecodedEntries bounds how many leaves a single encoded payload may
	// carry.
	MaxDecodedEntries = 1024

	// DecodeYieldEvery is the number of decoded leaves between cooperative
	// yield points on large payloads.
	DecodeYieldEvery = 64

	// ExecReplyTTL is how long a deferred command reply token stays valid.
	// Completions arriving later are dropped; the server-side exchange has
	// timed out well before this.
	ExecReplyTTL = 90 * time.Second

	// ExecReplyCullInterval is how often expired reply tokens are collected.
	ExecReplyCullInterval = 30 * time.Second
)
