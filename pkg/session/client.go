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

package session

import (
	"context"
	"sync"
)

// Client is the transport behind the management session. Open blocks until
// the session is established or fails; unsolicited transport transitions
// (server-initiated sessions, radio drops) reach the manager through
// HandleClientEvent.
type Client interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// ClientEvent is an unsolicited transport transition.
type ClientEvent uint8

const (
	// ClientUp reports a session the transport established on its own.
	ClientUp ClientEvent = iota + 1
	// ClientDown reports a session lost without a local Close.
	ClientDown
)

// MockClient is an in-memory Client for tests and radio-less runs.
// Behavior can be overridden per method via the XxxFunc fields.
type MockClient struct {
	OpenFunc    func(ctx context.Context) error
	CloseFunc   func(ctx context.Context) error
	RefreshFunc func(ctx context.Context) error

	mutex     sync.Mutex
	opens     int
	closes    int
	refreshes int
}

// NewMockClient creates a client that accepts every call.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (c *MockClient) Open(ctx context.Context) error {
	c.mutex.Lock()
	c.opens++
	c.mutex.Unlock()

	if c.OpenFunc != nil {
		return c.OpenFunc(ctx)
	}

	return ctx.Err()
}

func (c *MockClient) Close(ctx context.Context) error {
	c.mutex.Lock()
	c.closes++
	c.mutex.Unlock()

	if c.CloseFunc != nil {
		return c.CloseFunc(ctx)
	}

	return nil
}

func (c *MockClient) Refresh(ctx context.Context) error {
	c.mutex.Lock()
	c.refreshes++
	c.mutex.Unlock()

	if c.RefreshFunc != nil {
		return c.RefreshFunc(ctx)
	}

	return nil
}

// Opens returns how many times Open was called.
func (c *MockClient) Opens() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.opens
}

// Closes returns how many times Close was called.
func (c *MockClient) Closes() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.closes
}

// Refreshes returns how many times Refresh was called.
func (c *MockClient) Refreshes() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.refreshes
}
