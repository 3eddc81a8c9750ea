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

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tetherdm/tether-agent/pkg/config"
	"github.com/tetherdm/tether-agent/pkg/constants"
	"github.com/tetherdm/tether-agent/pkg/devinfo"
	"github.com/tetherdm/tether-agent/pkg/dispatch"
	"github.com/tetherdm/tether-agent/pkg/logger"
	"github.com/tetherdm/tether-agent/pkg/metrics"
	"github.com/tetherdm/tether-agent/pkg/persistence/basic"
	"github.com/tetherdm/tether-agent/pkg/push"
	"github.com/tetherdm/tether-agent/pkg/resources"
	"github.com/tetherdm/tether-agent/pkg/sentry"
	"github.com/tetherdm/tether-agent/pkg/service/filesystem"
	"github.com/tetherdm/tether-agent/pkg/session"
	"github.com/tetherdm/tether-agent/pkg/settings"
	"github.com/tetherdm/tether-agent/pkg/update"
	"github.com/tetherdm/tether-agent/pkg/version"
	"github.com/tetherdm/tether-agent/pkg/watchdog"
	"github.com/tetherdm/tether-agent/pkg/wire"
)

func main() {
	logger.Initialize()
	sentry.InitSentry(version.GetAppVersion(), true)

	log := logger.For(logger.ComponentCore)
	log.Infof("Starting tether-agent %s...", version.GetAppVersion())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configManager := config.NewFileConfigManager()

	cfg, err := config.LoadWithEnvOverrides(ctx, configManager, log)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %v", err)
		os.Exit(1)
	}

	dataDir := cfg.Device.DataDir
	if dataDir == "" {
		dataDir = constants.DefaultDataDir
	}

	if err := filesystem.NewDefaultService().EnsureDirectory(ctx, dataDir); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create data directory: %v", err)
		os.Exit(1)
	}

	metricsServer := metrics.SetupMetricsEndpoint(cfg.Device.MetricsAddress, log)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shut down metrics server: %v", err)
		}
	}()

	db, err := basic.NewSQLiteStore(filepath.Join(dataDir, constants.DatabaseFileName))
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to open database: %v", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer closeCancel()
		if err := db.Close(closeCtx); err != nil {
			log.Errorf("Failed to close database: %v", err)
		}
	}()

	store, err := settings.NewManager(ctx, db, cfg)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load device settings: %v", err)
		os.Exit(1)
	}

	dog := watchdog.NewWatchdog(time.NewTicker(10*time.Second), logger.For(logger.ComponentWatchdog))

	tree := resources.NewStore(store)

	// The radio transport is an external collaborator; until one is
	// attached the loopback client lets the whole stack run end to end.
	client := session.NewMockClient()

	sessions := session.NewManager(client, store)
	if secs := cfg.Session.InactivityTimeoutSeconds; secs > 0 {
		sessions = sessions.WithIdleTimeout(time.Duration(secs) * time.Second)
	}

	sender, err := push.NewSender(filepath.Join(dataDir, constants.PushQueueDir), logTransport{}, dog)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to open push queue: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := sender.Close(); err != nil {
			log.Errorf("Failed to close push queue: %v", err)
		}
	}()

	// Timeout 0: the decode heartbeat only signals liveness during long
	// payload walks, it has no silence requirement of its own.
	decodeBeat := dog.RegisterHeartbeat("decode", constants.DefaultWarningsUntilFailure, 0, false)

	dispatcher := dispatch.NewDispatcher(tree).
		WithSender(sender).
		WithYield(func() {
			dog.ReportHeartbeatStatus(decodeBeat, watchdog.StatusOK)
		}).
		WithResponder(func(token string, resp wire.Response) {
			log.Debugf("command %s finished: %s", token, resp.Status)
		})

	sessions.SubscribeState(func(ev session.StateEvent) {
		switch ev.Type {
		case session.SessionStarted:
			dog.SetActive(true)
			// Drain queued pushes and announce current device information.
			sender.Kick()

			pushCtx, pushCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer pushCancel()
			if err := dispatcher.PushSubtree(pushCtx, "/device"); err != nil {
				log.Warnf("Failed to push device information: %v", err)
			}
		case session.SessionStopped:
			dog.SetActive(false)
		}
	})

	coordinator, err := update.NewCoordinator(store, sessions, tree)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to start update coordinator: %v", err)
		os.Exit(1)
	}
	defer coordinator.Close()

	device, err := devinfo.Register(ctx, tree, cfg.Device.SerialNumber)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to register device resources: %v", err)
		os.Exit(1)
	}
	defer device.Close()

	sender.Start(ctx)
	sessions.Start()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		dog.Start(groupCtx)

		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()

		return sessions.Close(closeCtx)
	})

	log.Info("tether-agent is up")

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Agent stopped with error: %v", err)
	}

	log.Info("tether-agent shut down")

	if err := logger.Sync(); err != nil {
		// Sync to a closed stderr is expected during process teardown.
		_ = err
	}
}

// logTransport stands in for the uplink delivery collaborator: frames are
// logged and acknowledged so local runs exercise the full queue path.
type logTransport struct{}

func (logTransport) Deliver(ctx context.Context, frame string) error {
	logger.For(logger.ComponentPush).Debugf("uplink frame (%d bytes)", len(frame))

	return nil
}
