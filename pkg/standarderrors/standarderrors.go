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

// Package standarderrors defines the sentinel errors shared across the
// agent. Callers wrap them with %w and match with errors.Is.
package standarderrors

import "errors"

var (
	// ErrNotFound is returned when a resource path or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotPermitted is returned when the caller class lacks the requested
	// permission on a resource.
	ErrNotPermitted = errors.New("not permitted")

	// ErrDuplicate is returned on path collisions and when an operation of
	// the same kind is already pending.
	ErrDuplicate = errors.New("duplicate")

	// ErrBusy is returned while a retry timer is armed or a callback slot
	// is occupied.
	ErrBusy = errors.New("busy")

	// ErrBadParameter is returned for malformed payloads, invalid paths and
	// type mismatches.
	ErrBadParameter = errors.New("bad parameter")

	// ErrOverflow is returned when a value exceeds a bounded buffer or
	// payload limit. Data is rejected, never truncated.
	ErrOverflow = errors.New("overflow")

	// ErrUnavailable is returned when reading a value that was never set.
	ErrUnavailable = errors.New("unavailable")

	// ErrTimeout is returned when a bounded wait elapses.
	ErrTimeout = errors.New("timeout")

	// ErrFault is returned on unexpected internal failures, including
	// lifecycle calls from a state that does not allow them.
	ErrFault = errors.New("fault")
)
