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

// Package session owns the management-session lifecycle: opening and closing
// the transport, the persisted connection retry ladder, the inactivity
// timer, periodic polling sessions and the session-state fan-out everything
// else subscribes to.
//
// Timer fires funnel back through the locked entry points; the transport is
// never called while the manager lock is held.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tetherdm/tether-agent/pkg/backoff"
	"github.com/tetherdm/tether-agent/pkg/constants"
	"github.com/tetherdm/tether-agent/pkg/logger"
	"github.com/tetherdm/tether-agent/pkg/metrics"
	"github.com/tetherdm/tether-agent/pkg/sentry"
	"github.com/tetherdm/tether-agent/pkg/settings"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
)

// EventType labels a session-state transition.
type EventType uint8

const (
	// SessionStarted fires once a management session is established.
	SessionStarted EventType = iota + 1
	// SessionStopped fires once a management session ends.
	SessionStopped
)

func (e EventType) String() string {
	switch e {
	case SessionStarted:
		return "started"
	case SessionStopped:
		return "stopped"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// StateEvent is delivered to state subscribers. Err carries the close
// reason on SessionStopped and is nil for a locally requested close.
type StateEvent struct {
	Type EventType
	Err  error
}

// Token identifies one state subscription.
type Token string

// Manager drives the management session over an abstract transport Client.
type Manager struct {
	logger   *zap.SugaredLogger
	client   Client
	settings *settings.Manager

	idleTimeout time.Duration
	// minute is the unit behind the minute-grained persisted schedules
	// (retry ladder, polling interval). Tests compress it.
	minute time.Duration

	mu          sync.Mutex
	up          bool
	connecting  bool
	retryArmed  bool
	retryTimer  *time.Timer
	idleTimer   *time.Timer
	idleHolds   int
	pollTimer   *time.Timer
	subscribers map[Token]func(StateEvent)
	closed      bool
}

// NewManager wires a manager over the given transport and persisted
// settings. Call Start to arm the polling schedule.
func NewManager(client Client, store *settings.Manager) *Manager {
	return &Manager{
		logger:      logger.For(logger.ComponentSession),
		client:      client,
		settings:    store,
		idleTimeout: constants.DefaultInactivityTimeout,
		minute:      time.Minute,
	}
}

// WithIdleTimeout overrides how long a session may sit without traffic
// before it is closed.
func (m *Manager) WithIdleTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.idleTimeout = d
	}
	return m
}

// WithMinuteUnit overrides the unit of the minute-grained persisted
// schedules so tests can compress hours into milliseconds.
func (m *Manager) WithMinuteUnit(d time.Duration) *Manager {
	if d > 0 {
		m.minute = d
	}
	return m
}

// Start arms the polling timer from the persisted schedule. The first fire
// accounts for downtime: a device that stayed off past its polling interval
// connects right away.
func (m *Manager) Start() {
	interval := m.scaledPollingInterval()
	if interval <= 0 {
		m.logger.Debug("periodic sessions disabled")
		return
	}

	delay := time.Duration(0)
	if last := m.settings.LastConnection(); !last.IsZero() {
		if elapsed := time.Since(last); elapsed < interval {
			delay = interval - elapsed
		}
	}

	m.mu.Lock()
	m.armPollLocked(delay)
	m.mu.Unlock()

	m.logger.Infof("polling timer armed, first session in %s", delay)
}

// Up reports whether a management session is currently established.
func (m *Manager) Up() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.up
}

// Connect opens a management session. It returns ErrDuplicate when the
// session is already up and ErrBusy while an attempt is in flight or a
// retry timer is armed; a transient open failure arms the next slot of the
// persisted retry ladder, which reconnects on its own when it fires.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return fmt.Errorf("session manager closed: %w", standarderrors.ErrFault)
	case m.up:
		m.mu.Unlock()
		return fmt.Errorf("session already established: %w", standarderrors.ErrDuplicate)
	case m.connecting:
		m.mu.Unlock()
		return fmt.Errorf("session attempt in progress: %w", standarderrors.ErrBusy)
	case m.retryArmed:
		m.mu.Unlock()
		return fmt.Errorf("connection retry timer armed: %w", standarderrors.ErrBusy)
	}
	m.connecting = true
	m.mu.Unlock()

	return m.open(ctx)
}

// open performs one transport attempt. The caller must have set connecting.
func (m *Manager) open(ctx context.Context) error {
	octx, cancel := context.WithTimeout(ctx, constants.SessionOpenTimeout)
	err := m.client.Open(octx)
	cancel()

	m.mu.Lock()
	m.connecting = false
	if m.up {
		// An unsolicited transport event marked the session up meanwhile.
		m.mu.Unlock()
		return nil
	}
	if err == nil {
		subs := m.startedLocked()
		m.mu.Unlock()
		m.afterStart(ctx, subs)
		return nil
	}

	err = backoff.CategorizeError(err)
	if backoff.IsIgnoredError(err) {
		m.mu.Unlock()
		m.logger.Debugf("session open skipped: %v", err)
		return err
	}
	if backoff.IsPermanentError(err) {
		m.mu.Unlock()
		metrics.IncErrorCount(logger.ComponentSession, "open")
		sentry.ReportIssuef(sentry.IssueTypeError, m.logger, "session open failed permanently: %v", err)
		return err
	}

	delay, next, ok := m.nextRetryLocked()
	if ok {
		m.armRetryLocked(delay)
	}
	m.mu.Unlock()

	metrics.IncErrorCount(logger.ComponentSession, "open")
	if !ok {
		m.logger.Warnf("session open failed with the retry ladder exhausted: %v", err)
		return err
	}
	if perr := m.settings.SetRetryIndex(ctx, next); perr != nil {
		m.logger.Warnf("failed to persist the retry index: %v", perr)
	}
	m.logger.Infof("session open failed, next attempt in %s: %v", delay, err)
	return err
}

// Disconnect closes the session. resetRetry also disarms a pending retry
// timer and rewinds the persisted ladder. Closing an already closed session
// is a no-op.
func (m *Manager) Disconnect(ctx context.Context, resetRetry bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("session manager closed: %w", standarderrors.ErrFault)
	}
	if resetRetry {
		m.stopRetryLocked()
	}
	wasUp := m.up
	m.up = false
	m.stopIdleLocked()
	var subs []func(StateEvent)
	if wasUp {
		subs = m.snapshotLocked()
	}
	m.mu.Unlock()

	if resetRetry {
		if err := m.settings.SetRetryIndex(ctx, 0); err != nil {
			m.logger.Warnf("failed to reset the retry index: %v", err)
		}
	}
	if !wasUp {
		return nil
	}

	err := m.client.Close(ctx)
	if err != nil {
		m.logger.Warnf("session close reported: %v", err)
	}
	metrics.SetSessionUp(false)
	m.logger.Info("management session closed")
	for _, fn := range subs {
		fn(StateEvent{Type: SessionStopped})
	}
	return err
}

// Refresh extends the session keepalive and restarts the inactivity timer.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if !m.up {
		m.mu.Unlock()
		return fmt.Errorf("no active session to refresh: %w", standarderrors.ErrUnavailable)
	}
	m.mu.Unlock()

	if err := m.client.Refresh(ctx); err != nil {
		m.logger.Warnf("session refresh failed: %v", err)
		return err
	}

	m.mu.Lock()
	if m.up {
		m.armIdleLocked()
	}
	m.mu.Unlock()
	return nil
}

// HandleClientEvent feeds an unsolicited transport transition into the
// manager.
func (m *Manager) HandleClientEvent(ev ClientEvent) {
	switch ev {
	case ClientUp:
		m.mu.Lock()
		if m.closed || m.up {
			m.mu.Unlock()
			return
		}
		subs := m.startedLocked()
		m.mu.Unlock()
		m.logger.Info("transport reported an unsolicited session start")
		m.afterStart(context.Background(), subs)

	case ClientDown:
		m.mu.Lock()
		if m.closed || !m.up {
			m.mu.Unlock()
			return
		}
		m.up = false
		m.stopIdleLocked()
		subs := m.snapshotLocked()
		m.mu.Unlock()

		metrics.SetSessionUp(false)
		metrics.IncErrorCount(logger.ComponentSession, "lost")
		m.logger.Warn("transport lost the management session")
		lost := fmt.Errorf("connection lost: %w", standarderrors.ErrUnavailable)
		for _, fn := range subs {
			fn(StateEvent{Type: SessionStopped, Err: lost})
		}

	default:
		m.logger.Warnf("ignoring unknown client event %d", ev)
	}
}

// HoldIdle pauses the inactivity timer, typically while a pending operation
// waits for a user decision. Holds nest.
func (m *Manager) HoldIdle() {
	m.mu.Lock()
	m.idleHolds++
	m.stopIdleLocked()
	m.mu.Unlock()
}

// ReleaseIdle drops one hold; the last release restarts a fresh inactivity
// countdown.
func (m *Manager) ReleaseIdle() {
	m.mu.Lock()
	if m.idleHolds > 0 {
		m.idleHolds--
	}
	if m.idleHolds == 0 && m.up {
		m.armIdleLocked()
	}
	m.mu.Unlock()
}

// SubscribeState registers fn for session-state events. Events are
// delivered outside the manager lock; fn may call back into the manager.
func (m *Manager) SubscribeState(fn func(StateEvent)) Token {
	tok := Token(uuid.NewString())
	m.mu.Lock()
	if m.subscribers == nil {
		m.subscribers = make(map[Token]func(StateEvent))
	}
	m.subscribers[tok] = fn
	m.mu.Unlock()
	return tok
}

// Unsubscribe removes a state subscription.
func (m *Manager) Unsubscribe(tok Token) {
	m.mu.Lock()
	delete(m.subscribers, tok)
	m.mu.Unlock()
}

// Close disconnects and stops every timer. The manager cannot be reused.
// The persisted retry position is kept, so a ladder in progress resumes
// after a restart.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	err := m.Disconnect(ctx, false)

	m.mu.Lock()
	m.closed = true
	m.stopIdleLocked()
	m.stopRetryLocked()
	m.stopPollLocked()
	m.subscribers = nil
	m.mu.Unlock()

	return err
}

// startedLocked flips the session up and returns the subscriber snapshot.
func (m *Manager) startedLocked() []func(StateEvent) {
	m.up = true
	m.armIdleLocked()
	return m.snapshotLocked()
}

// afterStart runs the unlocked side of a session start: persistence,
// metrics, polling re-arm and fan-out.
func (m *Manager) afterStart(ctx context.Context, subs []func(StateEvent)) {
	metrics.SetSessionUp(true)
	if err := m.settings.SetLastConnection(ctx, time.Now()); err != nil {
		m.logger.Warnf("failed to persist the last connection time: %v", err)
		metrics.IncErrorCount(logger.ComponentSession, "persist")
	}
	if err := m.settings.SetRetryIndex(ctx, 0); err != nil {
		m.logger.Warnf("failed to reset the retry index: %v", err)
		metrics.IncErrorCount(logger.ComponentSession, "persist")
	}
	m.rearmPolling()

	m.logger.Info("management session established")
	for _, fn := range subs {
		fn(StateEvent{Type: SessionStarted})
	}
}

func (m *Manager) snapshotLocked() []func(StateEvent) {
	subs := make([]func(StateEvent), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

// nextRetryLocked finds the next enabled ladder slot. It returns the delay,
// the index to persist for the attempt after this one, and whether a slot
// was found.
func (m *Manager) nextRetryLocked() (time.Duration, int, bool) {
	timers := m.settings.RetryTimers()
	for i := m.settings.RetryIndex(); i < len(timers); i++ {
		if timers[i] > 0 {
			return time.Duration(timers[i]) * m.minute, i + 1, true
		}
	}
	return 0, 0, false
}

func (m *Manager) armRetryLocked(d time.Duration) {
	m.retryArmed = true
	if m.retryTimer == nil {
		m.retryTimer = time.AfterFunc(d, m.retryExpired)
		return
	}
	m.retryTimer.Reset(d)
}

func (m *Manager) stopRetryLocked() {
	m.retryArmed = false
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
}

func (m *Manager) retryExpired() {
	m.mu.Lock()
	if m.closed || !m.retryArmed || m.up || m.connecting {
		m.mu.Unlock()
		return
	}
	m.retryArmed = false
	m.connecting = true
	m.mu.Unlock()

	m.logger.Info("retry timer fired, reconnecting")
	_ = m.open(context.Background())
}

func (m *Manager) armIdleLocked() {
	if m.idleHolds > 0 {
		return
	}
	if m.idleTimer == nil {
		m.idleTimer = time.AfterFunc(m.idleTimeout, m.idleExpired)
		return
	}
	m.idleTimer.Reset(m.idleTimeout)
}

func (m *Manager) stopIdleLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
}

func (m *Manager) idleExpired() {
	m.mu.Lock()
	if m.closed || !m.up || m.idleHolds > 0 {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Infof("closing the session after %s without traffic", m.idleTimeout)
	if err := m.Disconnect(context.Background(), false); err != nil {
		m.logger.Warnf("idle close failed: %v", err)
	}
}

// scaledPollingInterval converts the persisted minute count through the
// manager's minute unit.
func (m *Manager) scaledPollingInterval() time.Duration {
	return time.Duration(m.settings.PollingInterval()/time.Minute) * m.minute
}

func (m *Manager) armPollLocked(d time.Duration) {
	if m.pollTimer == nil {
		m.pollTimer = time.AfterFunc(d, m.pollExpired)
		return
	}
	m.pollTimer.Reset(d)
}

func (m *Manager) stopPollLocked() {
	if m.pollTimer != nil {
		m.pollTimer.Stop()
	}
}

func (m *Manager) rearmPolling() {
	interval := m.scaledPollingInterval()
	m.mu.Lock()
	if interval <= 0 {
		m.stopPollLocked()
	} else {
		m.armPollLocked(interval)
	}
	m.mu.Unlock()
}

func (m *Manager) pollExpired() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	interval := m.scaledPollingInterval()
	if interval <= 0 {
		return
	}
	m.mu.Lock()
	m.armPollLocked(interval)
	m.mu.Unlock()

	m.logger.Debug("polling timer fired")
	if err := m.Connect(context.Background()); err != nil {
		m.logger.Debugf("periodic session attempt: %v", err)
	}
}
