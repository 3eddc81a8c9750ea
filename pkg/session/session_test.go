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

package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tetherdm/tether-agent/pkg/backoff"
	"github.com/tetherdm/tether-agent/pkg/config"
	"github.com/tetherdm/tether-agent/pkg/persistence/basic"
	"github.com/tetherdm/tether-agent/pkg/session"
	"github.com/tetherdm/tether-agent/pkg/settings"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
)

func TestSession(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Session Suite")
}

type eventRecorder struct {
	mu     sync.Mutex
	events []session.StateEvent
}

func (r *eventRecorder) record(ev session.StateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) list() []session.StateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.StateEvent(nil), r.events...)
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var _ = Describe("Session manager", func() {
	var (
		ctx  context.Context
		cfg  *settings.Manager
		mock *session.MockClient
		mgr  *session.Manager
		rec  *eventRecorder
	)

	// ladder replaces the persisted retry table; entries are minutes.
	ladder := func(entries ...uint16) {
		full := make([]uint16, 8)
		copy(full, entries)
		Expect(cfg.SetRetryTimers(ctx, full)).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		cfg, err = settings.NewManager(ctx, basic.NewMemoryStore(), config.AgentConfig{})
		Expect(err).NotTo(HaveOccurred())

		mock = session.NewMockClient()
		rec = &eventRecorder{}
		mgr = session.NewManager(mock, cfg).
			WithIdleTimeout(time.Second).
			WithMinuteUnit(10 * time.Millisecond)
		mgr.SubscribeState(rec.record)
	})

	AfterEach(func() {
		Expect(mgr.Close(context.Background())).To(Succeed())
	})

	Describe("connecting", func() {
		It("establishes a session and records the connection time", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())

			Expect(mgr.Up()).To(BeTrue())
			Expect(mock.Opens()).To(Equal(1))
			Expect(rec.list()).To(HaveLen(1))
			Expect(rec.list()[0].Type).To(Equal(session.SessionStarted))
			Expect(cfg.LastConnection()).To(BeTemporally("~", time.Now(), 5*time.Second))
		})

		It("refuses a second session", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())
			Expect(mgr.Connect(ctx)).To(MatchError(standarderrors.ErrDuplicate))
			Expect(mock.Opens()).To(Equal(1))
		})

		It("refreshes the keepalive", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())
			Expect(mgr.Refresh(ctx)).To(Succeed())
			Expect(mock.Refreshes()).To(Equal(1))
		})

		It("cannot refresh without a session", func() {
			Expect(mgr.Refresh(ctx)).To(MatchError(standarderrors.ErrUnavailable))
		})

		It("passes refresh failures through", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())
			boom := errors.New("keepalive rejected")
			mock.RefreshFunc = func(context.Context) error { return boom }

			Expect(mgr.Refresh(ctx)).To(MatchError(boom))
		})
	})

	Describe("retry ladder", func() {
		var radioOff error

		BeforeEach(func() {
			radioOff = errors.New("radio off")
			mock.OpenFunc = func(context.Context) error { return radioOff }
		})

		It("arms the next slot after a transient failure and blocks manual attempts", func() {
			ladder(40)

			Expect(mgr.Connect(ctx)).To(MatchError(radioOff))
			Expect(cfg.RetryIndex()).To(Equal(1))
			Expect(mgr.Connect(ctx)).To(MatchError(standarderrors.ErrBusy))
		})

		It("reconnects on its own when the retry timer fires", func() {
			ladder(2)
			var amu sync.Mutex
			attempts := 0
			mock.OpenFunc = func(context.Context) error {
				amu.Lock()
				defer amu.Unlock()
				attempts++
				if attempts == 1 {
					return radioOff
				}
				return nil
			}

			Expect(mgr.Connect(ctx)).To(MatchError(radioOff))

			Eventually(mock.Opens, "2s", "5ms").Should(Equal(2))
			Eventually(mgr.Up, "1s", "5ms").Should(BeTrue())
			Eventually(cfg.RetryIndex, "1s", "5ms").Should(BeZero())
		})

		It("walks the ladder until it runs out", func() {
			ladder(2, 2)

			Expect(mgr.Connect(ctx)).To(MatchError(radioOff))

			Eventually(mock.Opens, "2s", "5ms").Should(Equal(3))
			Consistently(mock.Opens, "100ms", "10ms").Should(Equal(3))
			Expect(cfg.RetryIndex()).To(Equal(2))
			Expect(mgr.Up()).To(BeFalse())
		})

		It("skips disabled slots", func() {
			ladder(0, 0, 2)

			Expect(mgr.Connect(ctx)).To(MatchError(radioOff))
			Expect(cfg.RetryIndex()).To(Equal(3))
		})

		It("gives up without retries when every slot is disabled", func() {
			ladder()

			Expect(mgr.Connect(ctx)).To(MatchError(radioOff))
			err := mgr.Connect(ctx)
			Expect(err).To(MatchError(radioOff))
			Expect(errors.Is(err, standarderrors.ErrBusy)).To(BeFalse())
		})

		It("stops the ladder on a permanent failure", func() {
			ladder(2)
			mock.OpenFunc = func(context.Context) error {
				return backoff.NewPermanentError(errors.New("unknown server identity"))
			}

			Expect(mgr.Connect(ctx)).To(HaveOccurred())
			Expect(cfg.RetryIndex()).To(BeZero())

			err := mgr.Connect(ctx)
			Expect(errors.Is(err, standarderrors.ErrBusy)).To(BeFalse())
		})

		It("does not advance the ladder on an ignored failure", func() {
			ladder(2)
			mock.OpenFunc = func(context.Context) error {
				return backoff.NewIgnoredError(errors.New("already closing"))
			}

			Expect(mgr.Connect(ctx)).To(HaveOccurred())
			Expect(cfg.RetryIndex()).To(BeZero())
		})

		It("disarms the timer when disconnecting with a retry reset", func() {
			ladder(40)
			var amu sync.Mutex
			attempts := 0
			mock.OpenFunc = func(context.Context) error {
				amu.Lock()
				defer amu.Unlock()
				attempts++
				if attempts == 1 {
					return radioOff
				}
				return nil
			}

			Expect(mgr.Connect(ctx)).To(MatchError(radioOff))
			Expect(mgr.Connect(ctx)).To(MatchError(standarderrors.ErrBusy))

			Expect(mgr.Disconnect(ctx, true)).To(Succeed())
			Expect(cfg.RetryIndex()).To(BeZero())

			Expect(mgr.Connect(ctx)).To(Succeed())
		})
	})

	Describe("disconnecting", func() {
		It("closes the transport and notifies once", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())
			Expect(mgr.Disconnect(ctx, false)).To(Succeed())

			Expect(mgr.Up()).To(BeFalse())
			Expect(mock.Closes()).To(Equal(1))

			events := rec.list()
			Expect(events).To(HaveLen(2))
			Expect(events[1].Type).To(Equal(session.SessionStopped))
			Expect(events[1].Err).To(BeNil())

			Expect(mgr.Disconnect(ctx, false)).To(Succeed())
			Expect(mock.Closes()).To(Equal(1))
		})
	})

	Describe("inactivity", func() {
		BeforeEach(func() {
			mgr = session.NewManager(mock, cfg).
				WithIdleTimeout(80 * time.Millisecond).
				WithMinuteUnit(10 * time.Millisecond)
			rec = &eventRecorder{}
			mgr.SubscribeState(rec.record)
		})

		It("closes a session that sees no traffic", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())

			Eventually(mock.Closes, "1s", "5ms").Should(Equal(1))
			Expect(mgr.Up()).To(BeFalse())
		})

		It("pauses while a decision is pending", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())
			mgr.HoldIdle()

			Consistently(mock.Closes, "150ms", "10ms").Should(BeZero())

			mgr.ReleaseIdle()
			Eventually(mock.Closes, "1s", "5ms").Should(Equal(1))
		})

		It("nests holds", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())
			mgr.HoldIdle()
			mgr.HoldIdle()

			mgr.ReleaseIdle()
			Consistently(mock.Closes, "150ms", "10ms").Should(BeZero())

			mgr.ReleaseIdle()
			Eventually(mock.Closes, "1s", "5ms").Should(Equal(1))
		})

		It("restarts the countdown on refresh", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())

			time.Sleep(60 * time.Millisecond)
			Expect(mgr.Refresh(ctx)).To(Succeed())

			Consistently(mgr.Up, "50ms", "10ms").Should(BeTrue())
			Eventually(mock.Closes, "1s", "5ms").Should(Equal(1))
		})
	})

	Describe("unsolicited transport events", func() {
		It("treats a reported drop as a lost connection", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())

			mgr.HandleClientEvent(session.ClientDown)

			Expect(mgr.Up()).To(BeFalse())
			Expect(mock.Closes()).To(BeZero())

			events := rec.list()
			Expect(events).To(HaveLen(2))
			Expect(events[1].Type).To(Equal(session.SessionStopped))
			Expect(events[1].Err).To(MatchError(standarderrors.ErrUnavailable))
		})

		It("adopts a server-initiated session", func() {
			mgr.HandleClientEvent(session.ClientUp)

			Expect(mgr.Up()).To(BeTrue())
			Expect(mock.Opens()).To(BeZero())
			Expect(rec.list()).To(HaveLen(1))
			Expect(rec.list()[0].Type).To(Equal(session.SessionStarted))
			Expect(cfg.LastConnection()).To(BeTemporally("~", time.Now(), 5*time.Second))
		})

		It("ignores a drop while already down", func() {
			mgr.HandleClientEvent(session.ClientDown)
			Expect(rec.count()).To(BeZero())
		})
	})

	Describe("polling", func() {
		It("connects right away when the device is overdue", func() {
			Expect(cfg.SetPollingInterval(ctx, 1)).To(Succeed())
			Expect(cfg.SetLastConnection(ctx, time.Now().Add(-time.Hour))).To(Succeed())

			mgr.Start()

			Eventually(mock.Opens, "1s", "5ms").Should(Equal(1))
			Expect(mgr.Up()).To(BeTrue())
		})

		It("connects right away when the device never connected", func() {
			Expect(cfg.SetPollingInterval(ctx, 1)).To(Succeed())

			mgr.Start()

			Eventually(mock.Opens, "1s", "5ms").Should(Equal(1))
		})

		It("waits out the remaining interval after a recent session", func() {
			mgr = session.NewManager(mock, cfg).
				WithIdleTimeout(time.Second).
				WithMinuteUnit(50 * time.Millisecond)
			Expect(cfg.SetPollingInterval(ctx, 3)).To(Succeed())
			Expect(cfg.SetLastConnection(ctx, time.Now())).To(Succeed())

			mgr.Start()

			Consistently(mock.Opens, "80ms", "10ms").Should(BeZero())
			Eventually(mock.Opens, "1s", "5ms").Should(Equal(1))
		})

		It("keeps polling across idle closes", func() {
			mgr = session.NewManager(mock, cfg).
				WithIdleTimeout(20 * time.Millisecond).
				WithMinuteUnit(60 * time.Millisecond)
			Expect(cfg.SetPollingInterval(ctx, 1)).To(Succeed())

			mgr.Start()

			Eventually(mock.Opens, "2s", "5ms").Should(BeNumerically(">=", 2))
			Expect(mock.Closes()).To(BeNumerically(">=", 1))
		})

		It("stays quiet when polling is disabled", func() {
			mgr.Start()
			Consistently(mock.Opens, "100ms", "10ms").Should(BeZero())
		})
	})

	Describe("subscriptions", func() {
		It("stops delivering after unsubscribe", func() {
			extra := &eventRecorder{}
			tok := mgr.SubscribeState(extra.record)
			mgr.Unsubscribe(tok)

			Expect(mgr.Connect(ctx)).To(Succeed())
			Expect(extra.count()).To(BeZero())
			Expect(rec.count()).To(Equal(1))
		})

		It("lets subscribers call back into the manager", func() {
			seen := false
			mgr.SubscribeState(func(ev session.StateEvent) {
				seen = mgr.Up()
			})

			Expect(mgr.Connect(ctx)).To(Succeed())
			Expect(seen).To(BeTrue())
		})
	})

	Describe("closing", func() {
		It("shuts the session down and refuses further use", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())
			Expect(mgr.Close(ctx)).To(Succeed())

			Expect(mock.Closes()).To(Equal(1))
			Expect(mgr.Connect(ctx)).To(MatchError(standarderrors.ErrFault))
			Expect(mgr.Close(ctx)).To(Succeed())
		})
	})
})
