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

// Package update coordinates the device-side update lifecycle: server
// offers arrive as queries, user agreements gate them, and registered
// sources report progress until the machine returns to idle.
//
// One operation is in flight at a time. A query parks a callback in a
// per-kind slot and raises a pending notification; Accept launches the
// callback (for install-class operations after a short grace delay, and
// only once no block leases are outstanding), Defer re-arms the
// notification. Sources feed milestones back through ReportStatus, and
// every transition fans out to subscribers and is mirrored into the
// /lwm2m/update resources.
package update

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	deepcopy "github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"

	internalfsm "github.com/tetherdm/tether-agent/internal/fsm"
	"github.com/tetherdm/tether-agent/pkg/constants"
	"github.com/tetherdm/tether-agent/pkg/logger"
	"github.com/tetherdm/tether-agent/pkg/metrics"
	"github.com/tetherdm/tether-agent/pkg/resources"
	"github.com/tetherdm/tether-agent/pkg/session"
	"github.com/tetherdm/tether-agent/pkg/settings"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
)

// slot parks one query per kind until the operation resolves.
type slot struct {
	download DownloadFunc
	action   ActionFunc
	ctx      Context
}

// Coordinator owns the update lifecycle machine. All mutable state sits
// behind one mutex; settings writes, session calls and observer fan-out
// run as effects after the lock is released.
type Coordinator struct {
	logger   *zap.SugaredLogger
	machine  *internalfsm.BaseInstance
	settings *settings.Manager
	sessions *session.Manager
	client   *resources.Client

	deferDefault   time.Duration
	blockedReDefer time.Duration
	graceDelay     time.Duration

	mu            sync.Mutex
	closed        bool
	offline       bool
	opctx         Context
	progress      int
	result        int
	slots         map[Kind]*slot
	resend        map[Kind]bool
	reaccept      map[Kind]bool
	blocks        map[string]string
	observers     map[Token]func(StatusEvent)
	idleHeld      bool
	deferTimers   map[Kind]*time.Timer
	deferDeadline map[Kind]time.Time
	graceTimer    *time.Timer
	pendingLaunch func()
	sessionToken  session.Token
}

// NewCoordinator builds the coordinator, claims the lwm2m namespace for
// the mirrored state/result resources and subscribes to session events.
func NewCoordinator(store *settings.Manager, sessions *session.Manager, tree *resources.Store) (*Coordinator, error) {
	log := logger.For(logger.ComponentCoordinator)

	c := &Coordinator{
		logger:         log,
		settings:       store,
		sessions:       sessions,
		deferDefault:   constants.DefaultDeferDuration,
		blockedReDefer: constants.BlockedReDeferDuration,
		graceDelay:     constants.LaunchGraceDelay,
		slots:          map[Kind]*slot{},
		resend:         map[Kind]bool{},
		reaccept:       map[Kind]bool{},
		blocks:         map[string]string{},
		observers:      map[Token]func(StatusEvent){},
		deferTimers:    map[Kind]*time.Timer{},
		deferDeadline:  map[Kind]time.Time{},
	}
	c.machine = internalfsm.NewBaseInstance(internalfsm.BaseInstanceConfig{
		ID:           "update-lifecycle",
		InitialState: StateIdle,
		Transitions:  transitions(),
	}, log)

	client, err := tree.NewClient("lwm2m")
	if err != nil {
		return nil, fmt.Errorf("failed to claim the update namespace: %w", err)
	}
	for _, path := range []string{"/update/state", "/update/result"} {
		if err := client.Create(path, resources.ModeVariable); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create %s: %w", path, err)
		}
	}
	c.client = client

	ctx := context.Background()
	state, result := store.UpdateStatus()
	c.result = result
	if err := client.Set(ctx, "/update/state", resources.IntValue(int64(state))); err != nil {
		log.Warnf("failed to seed mirrored update state: %v", err)
	}
	if err := client.Set(ctx, "/update/result", resources.IntValue(int64(result))); err != nil {
		log.Warnf("failed to seed mirrored update result: %v", err)
	}

	for _, k := range []Kind{KindInstall, KindUninstall} {
		if store.ResendMarker(k.agreement()) {
			log.Infof("unresolved %s decision survived a restart", k)
		}
	}

	c.sessionToken = sessions.SubscribeState(c.onSessionEvent)
	metrics.SetLifecycleState(StateIdle)
	log.Infof("update coordinator ready (result %d)", result)
	return c, nil
}

// WithDeferDefault overrides the pending-decision window.
func (c *Coordinator) WithDeferDefault(d time.Duration) *Coordinator {
	c.deferDefault = d
	return c
}

// WithBlockedReDefer overrides the re-defer applied while block leases
// are outstanding.
func (c *Coordinator) WithBlockedReDefer(d time.Duration) *Coordinator {
	c.blockedReDefer = d
	return c
}

// WithGraceDelay overrides the pause between accepting an install-class
// operation and firing its callback.
func (c *Coordinator) WithGraceDelay(d time.Duration) *Coordinator {
	c.graceDelay = d
	return c
}

// SetOfflineDownload switches transfers to a bearer the coordinator does
// not manage. Accepted downloads then launch without a management
// session, and losing the session mid-transfer is not a failure.
func (c *Coordinator) SetOfflineDownload(on bool) {
	c.mu.Lock()
	c.offline = on
	c.mu.Unlock()
	if on {
		c.logger.Info("third-party download mode enabled")
	} else {
		c.logger.Info("third-party download mode disabled")
	}
}

// QueryConnect asks for a server connection on behalf of the server (SMS
// wake-up) or a local application.
func (c *Coordinator) QueryConnect(ctx context.Context) error {
	return c.query(ctx, KindConnection, slot{ctx: Context{Kind: KindConnection}})
}

// QueryDownload announces a package the server wants to transfer. The
// callback fires once the download may proceed.
func (c *Coordinator) QueryDownload(ctx context.Context, cb DownloadFunc, totalBytes int64, updateType UpdateType, resume bool) error {
	if cb == nil {
		return fmt.Errorf("download callback required: %w", standarderrors.ErrBadParameter)
	}
	return c.query(ctx, KindDownload, slot{
		download: cb,
		ctx:      Context{Kind: KindDownload, Type: updateType, TotalBytes: totalBytes, Resume: resume},
	})
}

// QueryInstall announces a downloaded package ready to apply.
func (c *Coordinator) QueryInstall(ctx context.Context, cb ActionFunc, updateType UpdateType, instance int) error {
	if cb == nil {
		return fmt.Errorf("install callback required: %w", standarderrors.ErrBadParameter)
	}
	return c.query(ctx, KindInstall, slot{
		action: cb,
		ctx:    Context{Kind: KindInstall, Type: updateType, Instance: instance},
	})
}

// QueryUninstall announces a server-requested application removal.
func (c *Coordinator) QueryUninstall(ctx context.Context, cb ActionFunc, instance int) error {
	if cb == nil {
		return fmt.Errorf("uninstall callback required: %w", standarderrors.ErrBadParameter)
	}
	return c.query(ctx, KindUninstall, slot{
		action: cb,
		ctx:    Context{Kind: KindUninstall, Type: TypeApplication, Instance: instance},
	})
}

// QueryReboot announces a server-requested device reboot.
func (c *Coordinator) QueryReboot(ctx context.Context, cb ActionFunc) error {
	if cb == nil {
		return fmt.Errorf("reboot callback required: %w", standarderrors.ErrBadParameter)
	}
	return c.query(ctx, KindReboot, slot{action: cb, ctx: Context{Kind: KindReboot}})
}

func (c *Coordinator) query(ctx context.Context, k Kind, s slot) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("update coordinator closed: %w", standarderrors.ErrFault)
	}
	if _, exists := c.slots[k]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%s request already pending: %w", k, standarderrors.ErrDuplicate)
	}
	if err := c.machine.SendEvent(ctx, queryEvent(k)); err != nil {
		c.mu.Unlock()
		return err
	}
	stored := s
	c.slots[k] = &stored
	c.opctx = stored.ctx
	c.progress = 0

	var effects []func()
	var err error
	if marker, ok := c.settings.DownloadAccepted(); k == KindDownload && ok {
		if stored.ctx.Resume {
			c.logger.Infof("resuming a transfer of %d bytes agreed before restart", marker.TotalBytes)
		} else {
			c.logger.Info("transfer already agreed, skipping the agreement query")
		}
		// TODO: collapse the two log branches above once the server-driven
		// resume flow has an integration test pinning its semantics.
		effects, err = c.acceptLocked(ctx, k)
	} else {
		effects, err = c.pendingFlowLocked(ctx, k)
	}
	if err != nil {
		delete(c.slots, k)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	run(effects)
	return nil
}

// Accept resolves the pending decision for k. Downloads launch right away
// when a session is up or third-party mode is on, and otherwise persist
// the agreement and open a session first. Install-class operations wait
// for block leases to clear, stop any active session and fire after the
// grace delay.
func (c *Coordinator) Accept(ctx context.Context, k Kind) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("update coordinator closed: %w", standarderrors.ErrFault)
	}
	if cur := c.machine.Current(); cur != pendingState(k) {
		c.mu.Unlock()
		return fmt.Errorf("no %s decision pending in state %q: %w", k, cur, standarderrors.ErrFault)
	}
	effects, err := c.acceptLocked(ctx, k)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	run(effects)
	return nil
}

// Defer pushes the pending decision for k out by d. A non-positive d
// falls back to the default window.
func (c *Coordinator) Defer(k Kind, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("update coordinator closed: %w", standarderrors.ErrFault)
	}
	if cur := c.machine.Current(); cur != pendingState(k) {
		return fmt.Errorf("no %s decision pending in state %q: %w", k, cur, standarderrors.ErrFault)
	}
	if d <= 0 {
		d = c.deferDefault
	}
	c.holdLocked(false)
	c.armDeferLocked(k, d)
	c.logger.Infof("%s deferred for %s", k, d)
	return nil
}

// ReportStatus feeds one source milestone into the machine. Reports that
// do not fit the current state are refused with no side effect.
func (c *Coordinator) ReportStatus(ctx context.Context, r Report) error {
	if r.Kind < KindConnection || r.Kind > KindReboot {
		return fmt.Errorf("unknown kind in report: %w", standarderrors.ErrBadParameter)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("update coordinator closed: %w", standarderrors.ErrFault)
	}

	var effects []func()
	switch r.Phase {
	case PhaseStarted:
		if c.machine.Current() == inProgressState(r.Kind) {
			// The accept path already launched; treat as first progress.
			c.foldLocked(r)
			effects = []func(){c.fanoutLocked(c.snapshotLocked(ErrorNone))}
			break
		}
		if err := c.machine.SendEvent(ctx, launchEvent(r.Kind)); err != nil {
			c.mu.Unlock()
			return err
		}
		c.foldLocked(r)
		if r.Kind == KindDownload {
			c.result = 0
		}
		effects = []func(){c.mirrorLocked(ErrorNone, false), c.fanoutLocked(c.snapshotLocked(ErrorNone))}

	case PhaseProgress:
		if cur := c.machine.Current(); cur != inProgressState(r.Kind) {
			c.mu.Unlock()
			return fmt.Errorf("%s progress reported in state %q: %w", r.Kind, cur, standarderrors.ErrFault)
		}
		c.foldLocked(r)
		c.progress = r.Progress
		effects = []func(){c.fanoutLocked(c.snapshotLocked(ErrorNone))}

	case PhaseComplete:
		if err := c.machine.SendEvent(ctx, completeEvent(r.Kind)); err != nil {
			c.mu.Unlock()
			return err
		}
		c.foldLocked(r)
		if r.Progress > 0 {
			c.progress = r.Progress
		} else if r.Kind == KindDownload {
			c.progress = 100
		}
		effects = c.terminalLocked(r.Kind, ErrorNone, r.Kind == KindInstall)

	case PhaseFailed:
		code := r.Code
		if code == ErrorNone {
			code = ErrorInternal
		}
		if err := c.machine.SendEvent(ctx, failEvent(r.Kind)); err != nil {
			c.mu.Unlock()
			return err
		}
		c.foldLocked(r)
		c.logger.Warnf("%s failed: %s", r.Kind, code)
		effects = c.terminalLocked(r.Kind, code, false)

	case PhaseTimeout:
		if r.Kind != KindDownload {
			c.mu.Unlock()
			return fmt.Errorf("timeout is a download phase: %w", standarderrors.ErrBadParameter)
		}
		if err := c.machine.SendEvent(ctx, eventDownloadTimeout); err != nil {
			c.mu.Unlock()
			return err
		}
		c.foldLocked(r)
		c.logger.Warn("download timed out, awaiting a server retry")
		effects = c.terminalLocked(KindDownload, ErrorTimeout, false)

	default:
		c.mu.Unlock()
		return fmt.Errorf("unknown phase in report: %w", standarderrors.ErrBadParameter)
	}
	c.mu.Unlock()
	run(effects)
	return nil
}

// BlockInstall leases a block that keeps install-class operations from
// launching. The returned token releases exactly this lease.
func (c *Coordinator) BlockInstall(owner string) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("block owner required: %w", standarderrors.ErrBadParameter)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", fmt.Errorf("update coordinator closed: %w", standarderrors.ErrFault)
	}
	token := uuid.NewString()
	c.blocks[token] = owner
	c.logger.Debugf("install block leased to %s (%d outstanding)", owner, len(c.blocks))
	return token, nil
}

// Unblock releases one block lease.
func (c *Coordinator) Unblock(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.blocks[token]
	if !ok {
		return fmt.Errorf("unknown block token: %w", standarderrors.ErrNotFound)
	}
	delete(c.blocks, token)
	c.logger.Debugf("install block returned by %s (%d outstanding)", owner, len(c.blocks))
	return nil
}

// ReleaseOwner drops every block lease held by owner and reports how many
// were outstanding. Crashed lease holders are cleaned up this way.
func (c *Coordinator) ReleaseOwner(owner string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	released := 0
	for token, holder := range c.blocks {
		if holder == owner {
			delete(c.blocks, token)
			released++
		}
	}
	if released > 0 {
		c.logger.Debugf("released %d install blocks held by %s", released, owner)
	}
	return released
}

// Subscribe registers fn for status events. Parked decisions of every
// kind are raised again now that someone can answer them.
func (c *Coordinator) Subscribe(fn func(StatusEvent)) Token {
	token := Token(uuid.NewString())
	c.mu.Lock()
	c.observers[token] = fn
	effects := c.reraiseLocked(KindConnection, KindInstall, KindUninstall, KindReboot)
	c.mu.Unlock()
	run(effects)
	return token
}

// Unsubscribe removes a status subscription.
func (c *Coordinator) Unsubscribe(token Token) {
	c.mu.Lock()
	delete(c.observers, token)
	c.mu.Unlock()
}

// State reports the current lifecycle state.
func (c *Coordinator) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Current()
}

// Status returns a deep-copied snapshot of the coordinator.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	src := Status{
		State:    c.machine.Current(),
		Context:  c.opctx,
		Progress: c.progress,
		Blocks:   len(c.blocks),
		Offline:  c.offline,
		Deferred: c.deferDeadline,
	}
	var snap Status
	err := deepcopy.Copy(&snap, &src)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warnf("status snapshot copy failed: %v", err)
		src.Deferred = nil
		return src
	}
	return snap
}

// Close stops all timers and detaches from the session manager. Parked
// decisions are dropped; persisted markers survive for the next start.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, t := range c.deferTimers {
		t.Stop()
	}
	c.deferDeadline = map[Kind]time.Time{}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	c.pendingLaunch = nil
	c.holdLocked(false)
	c.observers = map[Token]func(StatusEvent){}
	token := c.sessionToken
	c.mu.Unlock()

	c.sessions.Unsubscribe(token)
	c.client.Close()
	c.logger.Info("update coordinator closed")
}

// pendingFlowLocked resolves a freshly entered pending state: auto-accept
// when no agreement is required, notify observers when there are any, and
// otherwise park the request until someone can answer.
func (c *Coordinator) pendingFlowLocked(ctx context.Context, k Kind) ([]func(), error) {
	if !c.settings.GetAgreement(k.agreement()) {
		c.logger.Debugf("%s agreement not required, accepting", k)
		return c.acceptLocked(ctx, k)
	}
	if len(c.observers) > 0 {
		c.holdLocked(true)
		c.armDeferLocked(k, c.deferDefault)
		c.logger.Infof("%s decision pending, notifying %d observers", k, len(c.observers))
		return []func(){c.fanoutLocked(c.snapshotLocked(ErrorNone))}, nil
	}

	if err := c.machine.SendEvent(ctx, cancelEvent(k)); err != nil {
		return nil, err
	}
	c.opctx = Context{}
	c.progress = 0
	effects := []func(){c.mirrorLocked(ErrorNone, false)}
	if k == KindDownload {
		// The transfer source re-issues its query when the server retries,
		// so the slot is freed rather than parked.
		delete(c.slots, KindDownload)
		c.logger.Info("download needs a user decision but no observer is registered, dropping the request until the server retries")
		return effects, nil
	}
	c.resend[k] = true
	c.logger.Infof("%s needs a user decision but no observer is registered, parking the request", k)
	if k == KindInstall || k == KindUninstall {
		op := k.agreement()
		effects = append(effects, func() {
			if err := c.settings.SetResendMarker(context.Background(), op, true); err != nil {
				c.logger.Warnf("failed to persist resend marker for %s: %v", op, err)
			}
		})
	}
	return effects, nil
}

// acceptLocked carries out an accepted decision for k. The machine must
// be in k's pending state (or, for downloads, launching from idle via the
// persisted marker path).
func (c *Coordinator) acceptLocked(ctx context.Context, k Kind) ([]func(), error) {
	c.stopDeferLocked(k)
	c.holdLocked(false)

	switch k {
	case KindConnection:
		if err := c.machine.SendEvent(ctx, launchEvent(k)); err != nil {
			return nil, err
		}
		if c.sessions.Up() {
			// Already connected, the request is satisfied on the spot.
			if err := c.machine.SendEvent(ctx, completeEvent(k)); err != nil {
				return nil, err
			}
			return c.terminalLocked(k, ErrorNone, false), nil
		}
		ev := c.snapshotLocked(ErrorNone)
		return []func(){
			c.mirrorLocked(ErrorNone, false),
			c.fanoutLocked(ev),
			func() {
				err := c.sessions.Connect(context.Background())
				if err != nil && !errors.Is(err, standarderrors.ErrBusy) && !errors.Is(err, standarderrors.ErrDuplicate) {
					c.connectFailed(err)
				}
			},
		}, nil

	case KindDownload:
		s := c.slots[KindDownload]
		if s == nil {
			return nil, fmt.Errorf("no download request on file: %w", standarderrors.ErrFault)
		}
		if c.sessions.Up() || c.offline {
			return c.launchDownloadLocked(ctx)
		}
		marker := settings.DownloadMarker{
			Type:       s.ctx.Type.String(),
			TotalBytes: uint64(s.ctx.TotalBytes),
			Resume:     s.ctx.Resume,
		}
		c.logger.Info("download accepted while offline, opening a session first")
		return []func(){func() {
			if err := c.settings.SetDownloadAccepted(context.Background(), marker); err != nil {
				c.logger.Warnf("failed to persist the download agreement: %v", err)
			}
			err := c.sessions.Connect(context.Background())
			if err != nil && !errors.Is(err, standarderrors.ErrBusy) && !errors.Is(err, standarderrors.ErrDuplicate) {
				c.logger.Warnf("could not open a session for the accepted download: %v", err)
			}
		}}, nil

	default:
		if len(c.blocks) > 0 {
			c.reaccept[k] = true
			c.armDeferLocked(k, c.blockedReDefer)
			c.logger.Infof("%s accepted with %d block leases outstanding, re-deferring", k, len(c.blocks))
			return nil, nil
		}
		s := c.slots[k]
		if s == nil {
			return nil, fmt.Errorf("no %s request on file: %w", k, standarderrors.ErrFault)
		}
		if err := c.machine.SendEvent(ctx, launchEvent(k)); err != nil {
			return nil, err
		}
		delete(c.reaccept, k)
		cb := s.action
		launch := func() {
			if cb != nil {
				cb()
			}
		}
		ev := c.snapshotLocked(ErrorNone)
		kind := k
		return []func(){
			c.mirrorLocked(ErrorNone, false),
			c.fanoutLocked(ev),
			func() {
				// The grace window opens only once the session is down, so
				// a slow disconnect cannot overlap the callback.
				if c.sessions.Up() {
					if err := c.sessions.Disconnect(context.Background(), false); err != nil {
						c.logger.Warnf("could not stop the session before %s: %v", kind, err)
					}
				}
				c.armGrace(launch)
			},
		}, nil
	}
}

// launchDownloadLocked moves the machine into download-in-progress and
// schedules the transfer callback.
func (c *Coordinator) launchDownloadLocked(ctx context.Context) ([]func(), error) {
	s := c.slots[KindDownload]
	if s == nil {
		return nil, fmt.Errorf("no download request on file: %w", standarderrors.ErrFault)
	}
	if err := c.machine.SendEvent(ctx, launchEvent(KindDownload)); err != nil {
		return nil, err
	}
	c.opctx = s.ctx
	c.progress = 0
	c.result = 0

	cb := s.download
	args := s.ctx
	effects := []func(){
		c.mirrorLocked(ErrorNone, false),
		c.fanoutLocked(c.snapshotLocked(ErrorNone)),
	}
	if cb != nil {
		effects = append(effects, func() { cb(args.TotalBytes, args.Type, args.Resume) })
	}
	return effects, nil
}

// terminalLocked runs the shared cleanup after a completing, failing or
// timing-out transition: free the slot, drop markers and notify.
func (c *Coordinator) terminalLocked(k Kind, code ErrorCode, installed bool) []func() {
	ev := c.snapshotLocked(code)
	c.stopDeferLocked(k)
	c.holdLocked(false)
	delete(c.slots, k)
	delete(c.reaccept, k)
	delete(c.resend, k)

	effects := []func(){c.mirrorLocked(code, installed), c.fanoutLocked(ev)}

	if c.machine.Current() == StateIdle {
		c.opctx = Context{}
		c.progress = 0
	}
	if k == KindDownload {
		effects = append(effects, func() {
			if err := c.settings.ClearDownloadAccepted(context.Background()); err != nil {
				c.logger.Warnf("failed to clear the download agreement: %v", err)
			}
		})
	}
	if k == KindInstall || k == KindUninstall {
		op := k.agreement()
		effects = append(effects, func() {
			if err := c.settings.SetResendMarker(context.Background(), op, false); err != nil {
				c.logger.Warnf("failed to clear the resend marker for %s: %v", op, err)
			}
		})
	}
	return effects
}

// reraiseLocked re-enters the pending flow for parked decisions. Only one
// operation fits in the machine, so the rest stay parked for the next
// trigger.
func (c *Coordinator) reraiseLocked(kinds ...Kind) []func() {
	var effects []func()
	for _, k := range kinds {
		if !c.resend[k] || c.slots[k] == nil {
			continue
		}
		if c.machine.Current() != StateIdle {
			break
		}
		if err := c.machine.SendEvent(context.Background(), queryEvent(k)); err != nil {
			continue
		}
		c.resend[k] = false
		c.opctx = c.slots[k].ctx
		c.progress = 0
		more, err := c.pendingFlowLocked(context.Background(), k)
		if err != nil {
			c.logger.Warnf("could not re-raise the %s decision: %v", k, err)
			continue
		}
		c.logger.Infof("re-raising the parked %s decision", k)
		effects = append(effects, more...)
	}
	return effects
}

// foldLocked merges source-supplied metadata into the operation context.
func (c *Coordinator) foldLocked(r Report) {
	c.opctx.Kind = r.Kind
	if r.TotalBytes > 0 {
		c.opctx.TotalBytes = r.TotalBytes
	}
	if r.Type != 0 {
		c.opctx.Type = r.Type
	}
	if r.Instance != 0 {
		c.opctx.Instance = r.Instance
	}
}

// snapshotLocked assembles the fan-out event for the current state.
func (c *Coordinator) snapshotLocked(code ErrorCode) StatusEvent {
	return StatusEvent{
		State:      c.machine.Current(),
		Kind:       c.opctx.Kind,
		Type:       c.opctx.Type,
		Instance:   c.opctx.Instance,
		TotalBytes: c.opctx.TotalBytes,
		Progress:   c.progress,
		Code:       code,
	}
}

// fanoutLocked snapshots the observer set; each observer gets its own
// deep copy of the event.
func (c *Coordinator) fanoutLocked(ev StatusEvent) func() {
	obs := make([]func(StatusEvent), 0, len(c.observers))
	for _, fn := range c.observers {
		obs = append(obs, fn)
	}
	return func() {
		for _, fn := range obs {
			var cp StatusEvent
			if err := deepcopy.Copy(&cp, &ev); err != nil {
				cp = ev
			}
			fn(cp)
		}
	}
}

// mirrorLocked captures the codes to publish into the /lwm2m/update
// resources and the settings store.
func (c *Coordinator) mirrorLocked(code ErrorCode, installed bool) func() {
	state := c.machine.Current()
	if installed || code != ErrorNone {
		c.result = mirrorResult(code, installed)
	}
	stateCode := mirrorState(state)
	result := c.result
	return func() {
		metrics.SetLifecycleState(state)
		ctx := context.Background()
		if err := c.settings.SetUpdateStatus(ctx, stateCode, result); err != nil {
			c.logger.Warnf("failed to persist the update status: %v", err)
		}
		if err := c.client.Set(ctx, "/update/state", resources.IntValue(int64(stateCode))); err != nil {
			c.logger.Warnf("failed to mirror the update state: %v", err)
		}
		if err := c.client.Set(ctx, "/update/result", resources.IntValue(int64(result))); err != nil {
			c.logger.Warnf("failed to mirror the update result: %v", err)
		}
	}
}

// holdLocked toggles the session inactivity hold. Holds nest in the
// session manager, so the flag keeps this coordinator to at most one.
func (c *Coordinator) holdLocked(on bool) {
	if on == c.idleHeld {
		return
	}
	c.idleHeld = on
	if on {
		c.sessions.HoldIdle()
	} else {
		c.sessions.ReleaseIdle()
	}
}

func (c *Coordinator) armDeferLocked(k Kind, d time.Duration) {
	c.deferDeadline[k] = time.Now().Add(d)
	if t, ok := c.deferTimers[k]; ok {
		t.Reset(d)
		return
	}
	kind := k
	c.deferTimers[k] = time.AfterFunc(d, func() { c.deferExpired(kind) })
}

func (c *Coordinator) stopDeferLocked(k Kind) {
	if t, ok := c.deferTimers[k]; ok {
		t.Stop()
	}
	delete(c.deferDeadline, k)
}

// deferExpired re-runs the decision flow for k: a blocked accept is
// retried, anything else is notified again or auto-accepted.
func (c *Coordinator) deferExpired(k Kind) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, armed := c.deferDeadline[k]; !armed {
		c.mu.Unlock()
		return
	}
	delete(c.deferDeadline, k)
	if c.machine.Current() != pendingState(k) {
		c.mu.Unlock()
		return
	}

	var effects []func()
	var err error
	if c.reaccept[k] {
		c.reaccept[k] = false
		effects, err = c.acceptLocked(context.Background(), k)
	} else {
		effects, err = c.pendingFlowLocked(context.Background(), k)
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Warnf("deferred %s could not proceed: %v", k, err)
		return
	}
	run(effects)
}

func (c *Coordinator) armGrace(launch func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.armGraceLocked(launch)
}

func (c *Coordinator) armGraceLocked(launch func()) {
	c.pendingLaunch = launch
	if c.graceTimer != nil {
		c.graceTimer.Reset(c.graceDelay)
		return
	}
	c.graceTimer = time.AfterFunc(c.graceDelay, c.graceExpired)
}

func (c *Coordinator) graceExpired() {
	c.mu.Lock()
	launch := c.pendingLaunch
	c.pendingLaunch = nil
	closed := c.closed
	c.mu.Unlock()
	if launch != nil && !closed {
		launch()
	}
}

// connectFailed unwinds a connection launch whose transport open failed
// outright rather than landing on the retry ladder.
func (c *Coordinator) connectFailed(err error) {
	c.mu.Lock()
	if c.closed || c.machine.Current() != StateConnectionInProgress {
		c.mu.Unlock()
		return
	}
	c.logger.Warnf("server connection failed: %v", err)
	metrics.IncErrorCount(logger.ComponentCoordinator, "connect")
	if ferr := c.machine.SendEvent(context.Background(), failEvent(KindConnection)); ferr != nil {
		c.mu.Unlock()
		return
	}
	effects := c.terminalLocked(KindConnection, ErrorInternal, false)
	c.mu.Unlock()
	run(effects)
}

func (c *Coordinator) onSessionEvent(ev session.StateEvent) {
	switch ev.Type {
	case session.SessionStarted:
		c.sessionStarted()
	case session.SessionStopped:
		c.sessionStopped()
	}
}

// sessionStarted completes a pending connection request, launches a
// download agreed earlier and re-raises parked decisions.
func (c *Coordinator) sessionStarted() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var effects []func()

	if c.machine.Current() == StateConnectionInProgress {
		if err := c.machine.SendEvent(context.Background(), completeEvent(KindConnection)); err == nil {
			effects = append(effects, c.terminalLocked(KindConnection, ErrorNone, false)...)
		}
	}

	if _, ok := c.settings.DownloadAccepted(); ok && c.slots[KindDownload] != nil {
		if cur := c.machine.Current(); cur == StateDownloadPending || cur == StateIdle {
			launched, err := c.launchDownloadLocked(context.Background())
			if err != nil {
				c.logger.Warnf("could not launch the agreed download: %v", err)
			} else {
				effects = append(effects, launched...)
			}
		}
	}

	effects = append(effects, c.reraiseLocked(KindInstall, KindUninstall)...)
	c.mu.Unlock()
	run(effects)
}

// sessionStopped fails a transfer that needed the session it just lost.
func (c *Coordinator) sessionStopped() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var effects []func()
	switch cur := c.machine.Current(); {
	case cur == StateDownloadInProgress && !c.offline:
		if err := c.machine.SendEvent(context.Background(), failEvent(KindDownload)); err == nil {
			c.logger.Warn("session lost mid-download")
			metrics.IncErrorCount(logger.ComponentCoordinator, "session_lost")
			effects = c.terminalLocked(KindDownload, ErrorConnectionLost, false)
		}
	case cur == StateConnectionInProgress:
		if err := c.machine.SendEvent(context.Background(), failEvent(KindConnection)); err == nil {
			effects = c.terminalLocked(KindConnection, ErrorInternal, false)
		}
	}
	c.mu.Unlock()
	run(effects)
}

func run(effects []func()) {
	for _, fn := range effects {
		fn()
	}
}
