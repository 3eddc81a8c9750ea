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

// Package devinfo publishes the standard device-information subtree. It is
// an ordinary resource-tree application: the nodes live under /device and
// are read-only for the server.
package devinfo

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/tetherdm/tether-agent/pkg/logger"
	"github.com/tetherdm/tether-agent/pkg/resources"
	"github.com/tetherdm/tether-agent/pkg/version"
)

const (
	pathSerial   = "/serial"
	pathHostname = "/hostname"
	pathOS       = "/os"
	pathUptime   = "/uptime"
	pathVersion  = "/agent/version"
	pathMemTotal = "/memory/total"
	pathMemFree  = "/memory/free"
)

// Provider owns the /device subtree. Static values are written once at
// registration; volatile ones refresh when the server reads them.
type Provider struct {
	logger *zap.SugaredLogger
	client *resources.Client
}

// Register creates the /device nodes on store and seeds them. serial may
// be empty, in which case the hostname stands in.
func Register(ctx context.Context, store *resources.Store, serial string) (*Provider, error) {
	client, err := store.NewClient("device")
	if err != nil {
		return nil, err
	}

	p := &Provider{
		logger: logger.For(logger.ComponentDevInfo),
		client: client,
	}

	paths := []string{
		pathSerial, pathHostname, pathOS, pathUptime,
		pathVersion, pathMemTotal, pathMemFree,
	}
	for _, path := range paths {
		if err := client.Create(path, resources.ModeVariable); err != nil {
			client.Close()

			return nil, fmt.Errorf("failed to create device node %s: %w", path, err)
		}
	}

	if err := p.seed(ctx, serial); err != nil {
		client.Close()

		return nil, err
	}

	// Volatile nodes refresh on every server read; the store re-reads the
	// value after the handler returns.
	for _, path := range []string{pathUptime, pathMemFree, pathHostname} {
		if err := client.OnEvent(path, p.refresh); err != nil {
			client.Close()

			return nil, err
		}
	}

	return p, nil
}

// Close tears the /device subtree down.
func (p *Provider) Close() {
	p.client.Close()
}

func (p *Provider) seed(ctx context.Context, serial string) error {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		p.logger.Warnf("failed to read host info, device nodes stay unset: %v", err)

		info = &host.InfoStat{}
	}

	if serial == "" {
		serial = info.Hostname
	}

	type seed struct {
		path  string
		value resources.Value
	}

	sets := []seed{
		{pathSerial, resources.StringValue(serial)},
		{pathHostname, resources.StringValue(info.Hostname)},
		{pathOS, resources.StringValue(info.OS + "/" + info.Platform)},
		{pathUptime, resources.IntValue(int64(info.Uptime))},
		{pathVersion, resources.StringValue(version.GetAppVersion())},
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		p.logger.Warnf("failed to read memory stats: %v", err)
	} else {
		sets = append(sets,
			seed{pathMemTotal, resources.IntValue(int64(vm.Total))},
			seed{pathMemFree, resources.IntValue(int64(vm.Available))},
		)
	}

	for _, s := range sets {
		if err := p.client.Set(ctx, s.path, s.value); err != nil {
			return fmt.Errorf("failed to seed device node %s: %w", s.path, err)
		}
	}

	return nil
}

// refresh re-samples one volatile node. Runs outside the store lock, so
// writing back through the client is safe.
func (p *Provider) refresh(ev resources.AccessEvent) {
	if ev.Type != resources.EventRead {
		return
	}

	ctx := context.Background()

	switch ev.Path {
	case pathUptime:
		uptime, err := host.UptimeWithContext(ctx)
		if err != nil {
			p.logger.Warnf("failed to refresh uptime: %v", err)

			return
		}
		p.set(ctx, ev.Path, resources.IntValue(int64(uptime)))
	case pathMemFree:
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			p.logger.Warnf("failed to refresh memory stats: %v", err)

			return
		}
		p.set(ctx, ev.Path, resources.IntValue(int64(vm.Available)))
	case pathHostname:
		info, err := host.InfoWithContext(ctx)
		if err != nil {
			p.logger.Warnf("failed to refresh hostname: %v", err)

			return
		}
		p.set(ctx, ev.Path, resources.StringValue(info.Hostname))
	}
}

func (p *Provider) set(ctx context.Context, path string, v resources.Value) {
	if err := p.client.Set(ctx, path, v); err != nil {
		p.logger.Warnf("failed to write device node %s: %v", path, err)
	}
}
