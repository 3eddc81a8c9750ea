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

// Package watchdog supervises the agent's long-running goroutines.
//
// Register a heartbeat per goroutine with RegisterHeartbeat and report
// liveness with ReportHeartbeatStatus on every loop turn. The watchdog
// checks all heartbeats on its ticker; a heartbeat that stays silent past
// its timeout, accumulates too many consecutive warnings, or reports
// StatusError panics the process so the platform supervisor restarts the
// agent from persisted state.
//
// Heartbeats registered with onlyWhenActive are enforced only while a
// management session is established (SetActive(true)); the session refresh
// loop is expected to stall while the device is offline.
package watchdog

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tetherdm/tether-agent/pkg/metrics"
	"github.com/tetherdm/tether-agent/pkg/sentry"
	"go.uber.org/zap"
)

// HeartbeatStatus is the status of a heartbeat.
type HeartbeatStatus int

const (
	// StatusOK marks a healthy loop turn and resets the warning count.
	StatusOK HeartbeatStatus = iota
	// StatusWarning marks a degraded turn; enough consecutive warnings
	// escalate to failure.
	StatusWarning
	// StatusError fails the process immediately.
	StatusError
)

// Heartbeat tracks one supervised goroutine.
type Heartbeat struct {
	id                   uuid.UUID
	lastReportedStatus   atomic.Int32
	lastHeartbeatTime    atomic.Int64
	file                 string
	line                 int
	warningCount         atomic.Uint32
	warningsUntilFailure uint64
	timeoutSeconds       uint64
	onlyWhenActive       bool
	heartbeatsReceived   atomic.Uint64
}

// Watchdog checks registered heartbeats on a fixed ticker.
type Watchdog struct {
	heartbeats      map[string]*Heartbeat
	heartbeatsMutex sync.Mutex
	badHeartbeat    chan uuid.UUID
	active          atomic.Bool
	ticker          *time.Ticker
	id              uuid.UUID
	logger          *zap.SugaredLogger
}

// NewWatchdog creates a watchdog; run it with Start.
func NewWatchdog(ticker *time.Ticker, logger *zap.SugaredLogger) *Watchdog {
	return &Watchdog{
		heartbeats: make(map[string]*Heartbeat),
		// Buffered so a goroutine reporting a bad heartbeat before Start
		// never blocks.
		badHeartbeat: make(chan uuid.UUID, 100),
		ticker:       ticker,
		id:           uuid.New(),
		logger:       logger,
	}
}

// Start runs the check loop until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	for {
		select {
		case id := <-w.badHeartbeat:
			name := w.nameByID(id)
			sentry.ReportIssuef(sentry.IssueTypeError, w.logger, "Heartbeat errored: [%s] %s (%s)", w.id, name, id)
			panic(fmt.Sprintf("Heartbeat errored: [%s] %s (%s)", w.id, name, id))
		case <-w.ticker.C:
			w.checkHeartbeats()
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watchdog) checkHeartbeats() {
	now := time.Now().UTC().Unix()

	w.heartbeatsMutex.Lock()

	var overdueName string

	var overdue *Heartbeat

	var secondsOverdue int64

	for name, hb := range w.heartbeats {
		sinceLast := now - hb.lastHeartbeatTime.Load()
		if sinceLast < 0 {
			w.logger.Warnf("Time went backwards: [%s]", w.id)
		}

		// timeout = 0 disables the silence check for this heartbeat.
		if hb.timeoutSeconds == 0 || sinceLast <= int64(hb.timeoutSeconds) {
			continue
		}

		if hb.onlyWhenActive && !w.active.Load() {
			w.logger.Infof("Heartbeat [%s] %s (%s) is overdue, but the agent is inactive", w.id, name, hb.id)

			continue
		}

		overdueName = name
		overdue = hb
		secondsOverdue = sinceLast - int64(hb.timeoutSeconds)

		delete(w.heartbeats, name)

		break
	}

	w.heartbeatsMutex.Unlock()

	// Panic outside the lock so the dump shows a clean stack.
	if overdue != nil {
		panic(fmt.Sprintf("Heartbeat too old: [%s] %s (%s) [Lifetime heartbeats: %d] (%d seconds overdue)",
			w.id, overdueName, overdue.id, overdue.heartbeatsReceived.Load(), secondsOverdue))
	}
}

// RegisterHeartbeat registers a new heartbeat and returns its identifier.
// Keep the identifier to report and unregister later. Registering the same
// name twice is a programming error and fails the process.
func (w *Watchdog) RegisterHeartbeat(name string, warningsUntilFailure uint64, timeoutSeconds uint64, onlyWhenActive bool) uuid.UUID {
	id := uuid.New()

	hb := &Heartbeat{
		id:                   id,
		warningsUntilFailure: warningsUntilFailure,
		timeoutSeconds:       timeoutSeconds,
		onlyWhenActive:       onlyWhenActive,
	}
	hb.lastHeartbeatTime.Store(time.Now().UTC().Unix())

	if _, file, line, ok := runtime.Caller(1); ok {
		hb.file = file
		hb.line = line
	}

	w.heartbeatsMutex.Lock()

	if existing, ok := w.heartbeats[name]; ok {
		w.heartbeatsMutex.Unlock()
		sentry.ReportIssuef(sentry.IssueTypeError, w.logger, "Heartbeat already registered: %s", name)
		panic(fmt.Sprintf("Heartbeat already registered: %s (%s)", name, existing.id))
	}

	w.heartbeats[name] = hb
	w.heartbeatsMutex.Unlock()

	w.logger.Infof("[%s] Registered heartbeat %s (%s)", w.id, name, id)

	return id
}

// UnregisterHeartbeat removes a heartbeat. Call on normal goroutine exit.
func (w *Watchdog) UnregisterHeartbeat(id uuid.UUID) {
	name := w.nameByID(id)
	if name == "" {
		w.logger.Warnf("[%s] Unregister heartbeat called with unknown identifier: %s", w.id, id)

		return
	}

	w.heartbeatsMutex.Lock()
	delete(w.heartbeats, name)
	w.heartbeatsMutex.Unlock()

	w.logger.Infof("[%s] Unregistered heartbeat %s", w.id, id)
}

// ReportHeartbeatStatus records one loop turn. Report StatusOK on every
// healthy turn, StatusWarning when the turn limped, StatusError when the
// goroutine cannot continue.
func (w *Watchdog) ReportHeartbeatStatus(id uuid.UUID, status HeartbeatStatus) {
	name := w.nameByID(id)
	if name == "" {
		sentry.ReportIssuef(sentry.IssueTypeError, w.logger, "Report heartbeat called with unknown identifier: %s", id)

		return
	}

	w.heartbeatsMutex.Lock()

	hb := w.heartbeats[name]
	if hb == nil {
		w.heartbeatsMutex.Unlock()

		return
	}

	hb.lastReportedStatus.Store(int32(status))
	hb.lastHeartbeatTime.Store(time.Now().UTC().Unix())
	hb.heartbeatsReceived.Add(1)

	var warnings uint32

	switch status {
	case StatusWarning:
		warnings = hb.warningCount.Add(1)
	case StatusOK:
		hb.warningCount.Store(0)
	case StatusError:
	}

	// warningsUntilFailure = 0 disables warning escalation.
	escalate := warnings >= uint32(hb.warningsUntilFailure) && hb.warningsUntilFailure != 0 &&
		(!hb.onlyWhenActive || w.active.Load())
	if escalate {
		sentry.ReportIssuef(sentry.IssueTypeError, w.logger, "Heartbeat %s sent too many consecutive warnings (%d/%d)", name, warnings, hb.warningsUntilFailure)
		w.badHeartbeat <- id
	}

	w.heartbeatsMutex.Unlock()

	metrics.SetHeartbeatStatus(name, float64(status))

	if status == StatusError {
		sentry.ReportIssuef(sentry.IssueTypeError, w.logger, "Heartbeat reported error: %s", name)
		w.badHeartbeat <- id
	}
}

// SetActive marks whether a management session is established; heartbeats
// registered with onlyWhenActive are enforced only while true.
func (w *Watchdog) SetActive(active bool) {
	w.active.Store(active)
}

func (w *Watchdog) nameByID(id uuid.UUID) string {
	w.heartbeatsMutex.Lock()
	defer w.heartbeatsMutex.Unlock()

	for name, hb := range w.heartbeats {
		if hb.id == id {
			return name
		}
	}

	return ""
}
