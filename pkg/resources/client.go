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

package resources

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tetherdm/tether-agent/pkg/constants"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
)

// Namespace selects how a client's paths map into the global tree.
type Namespace uint8

const (
	// NamespaceApplication scopes paths under the application name. This is
	// the default; it keeps applications from colliding with each other.
	NamespaceApplication Namespace = iota
	// NamespaceGlobal uses paths verbatim. Global paths are shared
	// infrastructure; most applications never need this.
	NamespaceGlobal
)

// Client is an application's handle on the resource tree. A client is safe
// for concurrent use; Close destroys every resource it created.
type Client struct {
	store   *Store
	appName string

	mu        sync.Mutex
	namespace Namespace
	closed    bool
}

// NewClient returns a handle scoped to appName. The name becomes the root
// segment of every application-namespace path, so it must be a valid single
// segment and must not be all digits.
func (s *Store) NewClient(appName string) (*Client, error) {
	if err := validateSegment(appName); err != nil {
		return nil, fmt.Errorf("application name: %w", err)
	}
	if allDigits(appName) {
		return nil, fmt.Errorf("application name %q is all digits: %w",
			appName, standarderrors.ErrBadParameter)
	}
	return &Client{store: s, appName: appName}, nil
}

// SetNamespace switches how subsequent paths resolve. Resources already
// created keep the placement they were created with.
func (c *Client) SetNamespace(ns Namespace) error {
	if ns != NamespaceApplication && ns != NamespaceGlobal {
		return fmt.Errorf("unknown namespace %d: %w", ns, standarderrors.ErrBadParameter)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.namespace = ns
	return nil
}

// resolve maps path into the global tree under the current namespace.
func (c *Client) resolve(path string) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	c.mu.Lock()
	ns, closed := c.namespace, c.closed
	c.mu.Unlock()
	if closed {
		return "", fmt.Errorf("client %s is closed: %w", c.appName, standarderrors.ErrFault)
	}
	if ns == NamespaceGlobal {
		return path, nil
	}
	global := "/" + c.appName + path
	if len(global) > constants.MaxPathLen {
		return "", fmt.Errorf("path exceeds %d bytes with namespace prefix: %w",
			constants.MaxPathLen, standarderrors.ErrOverflow)
	}
	if strings.Count(global, "/") > constants.MaxPathDepth {
		return "", fmt.Errorf("path exceeds %d segments with namespace prefix: %w",
			constants.MaxPathDepth, standarderrors.ErrOverflow)
	}
	return global, nil
}

// Create adds a resource at path. Paths must stay prefix-free: a new
// resource may not sit at, above or below an existing one.
func (c *Client) Create(path string, mode Mode) error {
	if mode != ModeVariable && mode != ModeSetting && mode != ModeCommand {
		return fmt.Errorf("unknown mode %d: %w", mode, standarderrors.ErrBadParameter)
	}
	global, err := c.resolve(path)
	if err != nil {
		return err
	}
	return c.store.create(c, path, global, mode)
}

// OnEvent attaches handler to a resource this client created. The handler
// observes server access: reads, writes and command executions. A nil
// handler detaches.
func (c *Client) OnEvent(path string, handler Handler) error {
	global, err := c.resolve(path)
	if err != nil {
		return err
	}
	return c.store.setHandler(c, global, handler)
}

// Get returns the current value at path.
func (c *Client) Get(ctx context.Context, path string) (Value, error) {
	global, err := c.resolve(path)
	if err != nil {
		return Value{}, err
	}
	return c.store.clientGet(ctx, global)
}

// Set writes the value at path. On setting resources the write is
// persisted; writing None clears the stored value and returns the resource
// to unset.
func (c *Client) Set(ctx context.Context, path string, v Value) error {
	global, err := c.resolve(path)
	if err != nil {
		return err
	}
	return c.store.clientSet(ctx, global, v)
}

// Close destroys every resource the client created and detaches their
// handlers. Persisted setting values stay in storage for the next run.
// Closing twice is harmless.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.store.destroyOwned(c)
}
