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

// Package wire defines the request and response envelope exchanged with the
// device management server. The envelope is transport-agnostic: the session
// layer moves it, the dispatcher interprets it.
package wire

import "fmt"

// Method identifies the operation a request performs on a resource path.
type Method uint8

const (
	// MethodGet reads a leaf value or a whole subtree.
	MethodGet Method = iota + 1
	// MethodPut writes one leaf or a batch of leaves under an ancestor path.
	MethodPut
	// MethodPost executes a command resource.
	MethodPost
)

// String returns the method name used in logs and metrics labels.
func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPut:
		return "PUT"
	case MethodPost:
		return "POST"
	default:
		return fmt.Sprintf("METHOD(%d)", uint8(m))
	}
}

// Status is the outcome code carried back to the server.
type Status uint8

const (
	// StatusContent is a successful read; the payload carries the value(s).
	StatusContent Status = iota + 1
	// StatusChanged is a successful write or command execution.
	StatusChanged
	// StatusBadRequest rejects a malformed path, payload, or type mismatch.
	StatusBadRequest
	// StatusUnauthorized rejects access the caller does not hold.
	StatusUnauthorized
	// StatusNotFound reports that no resource lives at the path.
	StatusNotFound
	// StatusMethodNotAllowed rejects an operation the resource mode forbids,
	// such as writing a variable or reading a command.
	StatusMethodNotAllowed
	// StatusConflict reports a resource busy with another exchange.
	StatusConflict
	// StatusTooLarge rejects a payload over the encode or decode bounds.
	StatusTooLarge
	// StatusInternal reports a device-side fault.
	StatusInternal
)

// String returns the status name used in logs and metrics labels.
func (s Status) String() string {
	switch s {
	case StatusContent:
		return "Content"
	case StatusChanged:
		return "Changed"
	case StatusBadRequest:
		return "BadRequest"
	case StatusUnauthorized:
		return "Unauthorized"
	case StatusNotFound:
		return "NotFound"
	case StatusMethodNotAllowed:
		return "MethodNotAllowed"
	case StatusConflict:
		return "Conflict"
	case StatusTooLarge:
		return "TooLarge"
	case StatusInternal:
		return "Internal"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

// OK reports whether the status is a success outcome.
func (s Status) OK() bool {
	return s == StatusContent || s == StatusChanged
}

// Request is one server-originated operation on the resource tree.
type Request struct {
	Method Method
	// Path is the absolute resource path the operation targets.
	Path string
	// Payload is the encoded value map for PUT and the encoded argument map
	// for POST. Empty for GET.
	Payload []byte
	// Token correlates a deferred command reply with the originating
	// exchange. Opaque to the device.
	Token string
}

// Response answers one Request.
type Response struct {
	Status Status
	// Payload carries encoded values on StatusContent, nothing otherwise.
	Payload []byte
}
