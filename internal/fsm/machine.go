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

// Package fsm wraps looplab/fsm with the guards every state machine in the
// agent needs: a transition table fixed at construction, per-state enter
// callbacks, deadline protection around event sends, and a uniform mapping
// of refused events onto the module error taxonomy.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/tetherdm/tether-agent/pkg/sentry"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
)

// TransitionDeadlineMargin is the minimum context lifetime left for an
// event send to start. A transition interrupted mid-way leaves looplab's
// internal state locked, which is worse than refusing to start.
const TransitionDeadlineMargin = 100 * time.Millisecond

// BaseInstanceConfig fixes a machine's identity and transition table.
type BaseInstanceConfig struct {
	ID           string
	InitialState string
	Transitions  []fsm.EventDesc
}

// BaseInstance is the shared state-machine core. Concrete owners (the
// update coordinator) wrap it and keep their domain data next to it.
// looplab/fsm synchronizes its own state; holding another lock around
// Event would deadlock enter callbacks that read the machine.
type BaseInstance struct {
	cfg    BaseInstanceConfig
	logger *zap.SugaredLogger

	machine   *fsm.FSM
	callbacks map[string]fsm.Callback
}

// NewBaseInstance builds a machine in cfg.InitialState. Callbacks added
// with AddEnterCallback run whenever the named state is entered.
func NewBaseInstance(cfg BaseInstanceConfig, logger *zap.SugaredLogger) *BaseInstance {
	b := &BaseInstance{
		cfg:       cfg,
		logger:    logger,
		callbacks: make(map[string]fsm.Callback),
	}

	b.machine = fsm.NewFSM(
		cfg.InitialState,
		fsm.Events(cfg.Transitions),
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				b.logger.Debugf("%s: %s -> %s on %s", b.cfg.ID, e.Src, e.Dst, e.Event)
				if cb, ok := b.callbacks["enter_"+e.Dst]; ok {
					cb(ctx, e)
				}
			},
		},
	)

	return b
}

// AddEnterCallback registers cb for entry into state. Register before the
// machine starts receiving events; registration is not synchronized against
// sends.
func (b *BaseInstance) AddEnterCallback(state string, cb fsm.Callback) {
	b.callbacks["enter_"+state] = cb
}

// Current returns the machine's current state.
func (b *BaseInstance) Current() string {
	return b.machine.Current()
}

// SetState forces the machine into state without firing callbacks. Used to
// restore a persisted position and by tests.
func (b *BaseInstance) SetState(state string) {
	b.machine.SetState(state)
}

// Can reports whether event is allowed from the current state.
func (b *BaseInstance) Can(event string) bool {
	return b.machine.Can(event)
}

// SendEvent fires an event. Events refused by the transition table come
// back as ErrFault so callers can surface "wrong state for this operation"
// uniformly. A context without enough lifetime left is rejected up front:
// expiring mid-transition would leave the machine wedged.
func (b *BaseInstance) SendEvent(ctx context.Context, event string, args ...interface{}) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) < TransitionDeadlineMargin {
			return fmt.Errorf("not enough context lifetime for event %q: %w",
				event, standarderrors.ErrTimeout)
		}
	}

	err := b.machine.Event(ctx, event, args...)
	if err == nil {
		return nil
	}

	var invalid fsm.InvalidEventError
	if errors.As(err, &invalid) {
		return fmt.Errorf("event %q not allowed in state %q: %w",
			invalid.Event, invalid.State, standarderrors.ErrFault)
	}
	var unknown fsm.UnknownEventError
	if errors.As(err, &unknown) {
		return fmt.Errorf("event %q not in the transition table: %w",
			unknown.Event, standarderrors.ErrFault)
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		// Self-transition: the state did not change, which is fine.
		return nil
	}

	return err
}

// ID returns the machine's identity, used in logs and issue reports.
func (b *BaseInstance) ID() string {
	return b.cfg.ID
}

// Escalate reports an unexpected machine error to the issue tracker with
// the grouping keys the tracker expects.
func (b *BaseInstance) Escalate(operation string, err error) {
	sentry.ReportLifecycleError(b.logger, b.cfg.ID, operation, err)
}
