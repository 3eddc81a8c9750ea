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

package update_test

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tetherdm/tether-agent/pkg/config"
	"github.com/tetherdm/tether-agent/pkg/persistence/basic"
	"github.com/tetherdm/tether-agent/pkg/resources"
	"github.com/tetherdm/tether-agent/pkg/session"
	"github.com/tetherdm/tether-agent/pkg/settings"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
	"github.com/tetherdm/tether-agent/pkg/update"
)

func TestUpdate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Update Suite")
}

type statusRecorder struct {
	mu     sync.Mutex
	events []update.StatusEvent
}

func (r *statusRecorder) record(ev update.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *statusRecorder) list() []update.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]update.StatusEvent(nil), r.events...)
}

func (r *statusRecorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.State)
	}
	return out
}

type actionRecorder struct {
	mu    sync.Mutex
	calls int
}

func (a *actionRecorder) fire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
}

func (a *actionRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type downloadRecorder struct {
	mu     sync.Mutex
	calls  int
	bytes  int64
	utype  update.UpdateType
	resume bool
}

func (d *downloadRecorder) fn(totalBytes int64, updateType update.UpdateType, resume bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.bytes = totalBytes
	d.utype = updateType
	d.resume = resume
}

func (d *downloadRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *downloadRecorder) args() (int64, update.UpdateType, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytes, d.utype, d.resume
}

var _ = Describe("Coordinator", func() {
	var (
		ctx      context.Context
		store    *settings.Manager
		tree     *resources.Store
		mock     *session.MockClient
		sessions *session.Manager
		coord    *update.Coordinator
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		store, err = settings.NewManager(ctx, basic.NewMemoryStore(), config.AgentConfig{})
		Expect(err).NotTo(HaveOccurred())

		tree = resources.NewStore(nil)
		mock = &session.MockClient{}
		sessions = session.NewManager(mock, store).WithIdleTimeout(time.Second)

		coord, err = update.NewCoordinator(store, sessions, tree)
		Expect(err).NotTo(HaveOccurred())
		coord.WithDeferDefault(40 * time.Millisecond).
			WithBlockedReDefer(40 * time.Millisecond).
			WithGraceDelay(5 * time.Millisecond)
	})

	AfterEach(func() {
		coord.Close()
		Expect(sessions.Close(ctx)).To(Succeed())
	})

	Describe("offering a download", func() {
		It("auto-accepts when no agreement is required and brings up a session", func() {
			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 1000, update.TypeFirmware, false)).To(Succeed())

			Eventually(coord.State).Should(Equal(update.StateDownloadInProgress))
			Eventually(dl.count).Should(Equal(1))
			Consistently(dl.count, "25ms", "5ms").Should(Equal(1))
			Expect(mock.Opens()).To(Equal(1))

			total, utype, resume := dl.args()
			Expect(total).To(Equal(int64(1000)))
			Expect(utype).To(Equal(update.TypeFirmware))
			Expect(resume).To(BeFalse())

			_, agreed := store.DownloadAccepted()
			Expect(agreed).To(BeTrue(), "the agreement marker should survive until the transfer resolves")
		})

		It("launches without a session in third-party download mode", func() {
			coord.SetOfflineDownload(true)
			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 500, update.TypeFile, false)).To(Succeed())

			Expect(coord.State()).To(Equal(update.StateDownloadInProgress))
			Expect(dl.count()).To(Equal(1))
			Expect(mock.Opens()).To(BeZero())
		})

		It("rejects a second query while the first is unresolved", func() {
			Expect(store.SetAgreement(ctx, settings.AgreementDownload, true)).To(Succeed())
			rec := &statusRecorder{}
			coord.Subscribe(rec.record)

			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 1000, update.TypeFirmware, false)).To(Succeed())
			Expect(coord.QueryDownload(ctx, dl.fn, 1000, update.TypeFirmware, false)).
				To(MatchError(standarderrors.ErrDuplicate))
		})

		It("rejects a query without a callback", func() {
			Expect(coord.QueryDownload(ctx, nil, 1000, update.TypeFirmware, false)).
				To(MatchError(standarderrors.ErrBadParameter))
		})

		It("runs one operation at a time", func() {
			Expect(store.SetAgreement(ctx, settings.AgreementReboot, true)).To(Succeed())
			rec := &statusRecorder{}
			coord.Subscribe(rec.record)

			reboot := &actionRecorder{}
			Expect(coord.QueryReboot(ctx, reboot.fire)).To(Succeed())
			Expect(coord.State()).To(Equal(update.StateRebootPending))

			install := &actionRecorder{}
			Expect(coord.QueryInstall(ctx, install.fire, update.TypeApplication, 1)).
				To(MatchError(standarderrors.ErrFault))
		})
	})

	Describe("asking for agreement", func() {
		var rec *statusRecorder

		BeforeEach(func() {
			Expect(store.SetAgreement(ctx, settings.AgreementDownload, true)).To(Succeed())
			rec = &statusRecorder{}
			coord.Subscribe(rec.record)
		})

		It("parks in the pending state and notifies observers", func() {
			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 4096, update.TypeFirmware, false)).To(Succeed())

			Expect(coord.State()).To(Equal(update.StateDownloadPending))
			Consistently(dl.count, "25ms", "5ms").Should(BeZero())

			events := rec.list()
			Expect(events).NotTo(BeEmpty())
			Expect(events[0].State).To(Equal(update.StateDownloadPending))
			Expect(events[0].Kind).To(Equal(update.KindDownload))
			Expect(events[0].TotalBytes).To(Equal(int64(4096)))
		})

		It("only resolves through a decision for the pending kind", func() {
			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 4096, update.TypeFirmware, false)).To(Succeed())

			Expect(coord.Accept(ctx, update.KindInstall)).To(MatchError(standarderrors.ErrFault))
			err := coord.ReportStatus(ctx, update.Report{Kind: update.KindDownload, Phase: update.PhaseComplete})
			Expect(err).To(MatchError(standarderrors.ErrFault))
			Expect(coord.State()).To(Equal(update.StateDownloadPending))
		})

		It("accepting offline stores the agreement and opens a session first", func() {
			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 4096, update.TypeFirmware, false)).To(Succeed())

			Expect(coord.Accept(ctx, update.KindDownload)).To(Succeed())
			Eventually(coord.State).Should(Equal(update.StateDownloadInProgress))
			Eventually(dl.count).Should(Equal(1))
			Expect(mock.Opens()).To(Equal(1))
		})

		It("rejects a second accept once the operation launched", func() {
			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 4096, update.TypeFirmware, false)).To(Succeed())
			Expect(coord.Accept(ctx, update.KindDownload)).To(Succeed())
			Eventually(coord.State).Should(Equal(update.StateDownloadInProgress))

			Expect(coord.Accept(ctx, update.KindDownload)).To(MatchError(standarderrors.ErrFault))
			Eventually(dl.count).Should(Equal(1))
			Consistently(dl.count, "25ms", "5ms").Should(Equal(1))
		})

		It("raises the notification again after a defer", func() {
			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 4096, update.TypeFirmware, false)).To(Succeed())
			Expect(coord.Defer(update.KindDownload, 25*time.Millisecond)).To(Succeed())

			Eventually(func() int { return len(rec.list()) }).Should(BeNumerically(">=", 2))
			for _, state := range rec.states() {
				Expect(state).To(Equal(update.StateDownloadPending))
			}
			Expect(coord.State()).To(Equal(update.StateDownloadPending))
		})

		It("refuses a defer when nothing is pending", func() {
			Expect(coord.Defer(update.KindReboot, time.Minute)).To(MatchError(standarderrors.ErrFault))
		})
	})

	Describe("parking decisions nobody can answer", func() {
		It("returns to idle, keeps the request and re-raises it for a new observer", func() {
			Expect(store.SetAgreement(ctx, settings.AgreementInstall, true)).To(Succeed())

			install := &actionRecorder{}
			Expect(coord.QueryInstall(ctx, install.fire, update.TypeApplication, 2)).To(Succeed())
			Expect(coord.State()).To(Equal(update.StateIdle))
			Expect(store.ResendMarker(settings.AgreementInstall)).To(BeTrue())
			Expect(install.count()).To(BeZero())

			rec := &statusRecorder{}
			coord.Subscribe(rec.record)
			Expect(coord.State()).To(Equal(update.StateInstallPending))
			Expect(rec.states()).To(ContainElement(update.StateInstallPending))

			Expect(coord.Accept(ctx, update.KindInstall)).To(Succeed())
			Eventually(install.count).Should(Equal(1))
			Eventually(func() bool { return store.ResendMarker(settings.AgreementInstall) }).Should(BeFalse())
		})

		It("re-raises a parked reboot decision for a new observer", func() {
			Expect(store.SetAgreement(ctx, settings.AgreementReboot, true)).To(Succeed())

			reboot := &actionRecorder{}
			Expect(coord.QueryReboot(ctx, reboot.fire)).To(Succeed())
			Expect(coord.State()).To(Equal(update.StateIdle))
			Expect(reboot.count()).To(BeZero())

			rec := &statusRecorder{}
			coord.Subscribe(rec.record)
			Expect(coord.State()).To(Equal(update.StateRebootPending))
			Expect(rec.states()).To(ContainElement(update.StateRebootPending))

			Expect(coord.Accept(ctx, update.KindReboot)).To(Succeed())
			Eventually(reboot.count).Should(Equal(1))
		})

		It("drops an unanswerable download so the server's next offer goes through", func() {
			Expect(store.SetAgreement(ctx, settings.AgreementDownload, true)).To(Succeed())

			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 2048, update.TypeFirmware, false)).To(Succeed())
			Expect(coord.State()).To(Equal(update.StateIdle))
			Expect(dl.count()).To(BeZero())

			// The server re-offers: the slot must be free, not a duplicate.
			retry := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, retry.fn, 2048, update.TypeFirmware, false)).To(Succeed())
			Expect(coord.State()).To(Equal(update.StateIdle))

			rec := &statusRecorder{}
			coord.Subscribe(rec.record)
			offered := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, offered.fn, 2048, update.TypeFirmware, false)).To(Succeed())
			Expect(coord.State()).To(Equal(update.StateDownloadPending))
		})
	})

	Describe("blocking installs", func() {
		It("holds an accepted install until the lease is released", func() {
			token, err := coord.BlockInstall("integrity-probe")
			Expect(err).NotTo(HaveOccurred())

			install := &actionRecorder{}
			Expect(coord.QueryInstall(ctx, install.fire, update.TypeFirmware, 0)).To(Succeed())
			Expect(coord.State()).To(Equal(update.StateInstallPending))
			Consistently(install.count, "25ms", "5ms").Should(BeZero())

			Expect(coord.Unblock(token)).To(Succeed())
			Eventually(install.count).Should(Equal(1))
			Consistently(install.count, "25ms", "5ms").Should(Equal(1))
			Expect(coord.State()).To(Equal(update.StateInstallInProgress))
		})

		It("releases every lease an owner holds at once", func() {
			first, err := coord.BlockInstall("watchdog")
			Expect(err).NotTo(HaveOccurred())
			_, err = coord.BlockInstall("watchdog")
			Expect(err).NotTo(HaveOccurred())

			Expect(coord.ReleaseOwner("watchdog")).To(Equal(2))
			Expect(coord.Unblock(first)).To(MatchError(standarderrors.ErrNotFound))
		})

		It("rejects an anonymous lease and an unknown token", func() {
			_, err := coord.BlockInstall("")
			Expect(err).To(MatchError(standarderrors.ErrBadParameter))
			Expect(coord.Unblock("no-such-lease")).To(MatchError(standarderrors.ErrNotFound))
		})

		It("stops the management session before launching an install", func() {
			Expect(sessions.Connect(ctx)).To(Succeed())

			install := &actionRecorder{}
			Expect(coord.QueryInstall(ctx, install.fire, update.TypeFirmware, 0)).To(Succeed())

			Eventually(coord.State).Should(Equal(update.StateInstallInProgress))
			Eventually(install.count).Should(Equal(1))
			Expect(mock.Closes()).To(Equal(1))
		})

		It("holds the grace window open while the session is still closing", func() {
			Expect(sessions.Connect(ctx)).To(Succeed())

			release := make(chan struct{})
			mock.CloseFunc = func(context.Context) error {
				<-release
				return nil
			}

			install := &actionRecorder{}
			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				Expect(coord.QueryInstall(ctx, install.fire, update.TypeFirmware, 0)).To(Succeed())
				close(done)
			}()

			Consistently(install.count, "30ms", "5ms").Should(BeZero(),
				"the callback must wait for the transport to finish closing")

			close(release)
			<-done
			Eventually(install.count).Should(Equal(1))
			Expect(mock.Closes()).To(Equal(1))
		})
	})

	Describe("reporting progress", func() {
		It("walks a transfer through install back to idle", func() {
			coord.SetOfflineDownload(true)
			rec := &statusRecorder{}
			coord.Subscribe(rec.record)

			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 2048, update.TypeFirmware, false)).To(Succeed())
			Expect(coord.State()).To(Equal(update.StateDownloadInProgress))

			Expect(coord.ReportStatus(ctx, update.Report{
				Kind: update.KindDownload, Phase: update.PhaseProgress, Progress: 42,
			})).To(Succeed())
			Expect(coord.ReportStatus(ctx, update.Report{
				Kind: update.KindDownload, Phase: update.PhaseComplete,
			})).To(Succeed())
			Expect(coord.State()).To(Equal(update.StateDownloadComplete))

			install := &actionRecorder{}
			Expect(coord.QueryInstall(ctx, install.fire, update.TypeFirmware, 0)).To(Succeed())
			Eventually(coord.State).Should(Equal(update.StateInstallInProgress))
			Eventually(install.count).Should(Equal(1))

			Expect(coord.ReportStatus(ctx, update.Report{
				Kind: update.KindInstall, Phase: update.PhaseComplete,
			})).To(Succeed())
			Expect(coord.State()).To(Equal(update.StateIdle))

			var seenProgress bool
			for _, ev := range rec.list() {
				if ev.State == update.StateDownloadInProgress && ev.Progress == 42 {
					seenProgress = true
				}
			}
			Expect(seenProgress).To(BeTrue())

			stateCode, resultCode := store.UpdateStatus()
			Expect(stateCode).To(BeZero())
			Expect(resultCode).To(Equal(1))
		})

		It("reports a failure code exactly once and clears the agreement", func() {
			rec := &statusRecorder{}
			coord.Subscribe(rec.record)
			coord.SetOfflineDownload(true)

			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 2048, update.TypeApplication, false)).To(Succeed())
			Expect(coord.ReportStatus(ctx, update.Report{
				Kind: update.KindDownload, Phase: update.PhaseFailed, Code: update.ErrorBadPackage,
			})).To(Succeed())

			Expect(coord.State()).To(Equal(update.StateIdle))
			var failures int
			for _, ev := range rec.list() {
				if ev.Code == update.ErrorBadPackage {
					failures++
				}
			}
			Expect(failures).To(Equal(1))

			_, agreed := store.DownloadAccepted()
			Expect(agreed).To(BeFalse())
		})

		It("parks a timed-out transfer until the server offers it again", func() {
			coord.SetOfflineDownload(true)
			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 2048, update.TypeFirmware, false)).To(Succeed())

			Expect(coord.ReportStatus(ctx, update.Report{
				Kind: update.KindDownload, Phase: update.PhaseTimeout,
			})).To(Succeed())
			Expect(coord.State()).To(Equal(update.StateDownloadTimeout))

			retry := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, retry.fn, 2048, update.TypeFirmware, true)).To(Succeed())
			Expect(coord.State()).To(Equal(update.StateDownloadInProgress))
			Expect(retry.count()).To(Equal(1))
		})

		It("refuses reports that do not fit the state", func() {
			Expect(coord.ReportStatus(ctx, update.Report{
				Kind: update.KindInstall, Phase: update.PhaseProgress, Progress: 10,
			})).To(MatchError(standarderrors.ErrFault))

			Expect(coord.ReportStatus(ctx, update.Report{
				Kind: update.KindInstall, Phase: update.PhaseTimeout,
			})).To(MatchError(standarderrors.ErrBadParameter))

			Expect(coord.ReportStatus(ctx, update.Report{Phase: update.PhaseComplete})).
				To(MatchError(standarderrors.ErrBadParameter))
		})
	})

	Describe("losing the session", func() {
		It("fails a transfer that rode the management session", func() {
			rec := &statusRecorder{}
			coord.Subscribe(rec.record)

			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 9000, update.TypeFirmware, false)).To(Succeed())
			Eventually(coord.State).Should(Equal(update.StateDownloadInProgress))

			sessions.HandleClientEvent(session.ClientDown)
			Eventually(coord.State).Should(Equal(update.StateIdle))

			var lost bool
			for _, ev := range rec.list() {
				if ev.Code == update.ErrorConnectionLost {
					lost = true
				}
			}
			Expect(lost).To(BeTrue())

			_, agreed := store.DownloadAccepted()
			Expect(agreed).To(BeFalse())
		})

		It("keeps a third-party transfer running without the session", func() {
			Expect(sessions.Connect(ctx)).To(Succeed())
			coord.SetOfflineDownload(true)

			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 9000, update.TypeFile, false)).To(Succeed())
			Expect(coord.State()).To(Equal(update.StateDownloadInProgress))

			Expect(sessions.Disconnect(ctx, true)).To(Succeed())
			Consistently(coord.State, "25ms", "5ms").Should(Equal(update.StateDownloadInProgress))
		})
	})

	Describe("restarting with a persisted agreement", func() {
		It("resumes without asking again", func() {
			Expect(store.SetAgreement(ctx, settings.AgreementDownload, true)).To(Succeed())
			Expect(store.SetDownloadAccepted(ctx, settings.DownloadMarker{
				Type: "firmware", TotalBytes: 7000, Resume: true,
			})).To(Succeed())

			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 7000, update.TypeFirmware, true)).To(Succeed())

			Eventually(coord.State).Should(Equal(update.StateDownloadInProgress))
			Eventually(dl.count).Should(Equal(1))
			Expect(mock.Opens()).To(Equal(1))

			_, _, resume := dl.args()
			Expect(resume).To(BeTrue())
		})

		It("honors an agreement given just before a restart", func() {
			Expect(store.SetAgreement(ctx, settings.AgreementDownload, true)).To(Succeed())
			Expect(store.SetDownloadAccepted(ctx, settings.DownloadMarker{
				Type: "firmware", TotalBytes: 7000,
			})).To(Succeed())

			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 7000, update.TypeFirmware, false)).To(Succeed())

			Eventually(coord.State).Should(Equal(update.StateDownloadInProgress))
			Eventually(dl.count).Should(Equal(1))
		})
	})

	Describe("requesting a connection", func() {
		It("opens a session and settles back to idle", func() {
			Expect(coord.QueryConnect(ctx)).To(Succeed())

			Eventually(coord.State).Should(Equal(update.StateIdle))
			Expect(mock.Opens()).To(Equal(1))
			Expect(sessions.Up()).To(BeTrue())
		})

		It("is satisfied on the spot when a session is already up", func() {
			Expect(sessions.Connect(ctx)).To(Succeed())

			Expect(coord.QueryConnect(ctx)).To(Succeed())
			Expect(coord.State()).To(Equal(update.StateIdle))
			Expect(mock.Opens()).To(Equal(1))
		})
	})

	Describe("mirroring into the resource tree", func() {
		It("seeds the mirrored resources from the persisted status", func() {
			Expect(store.SetUpdateStatus(ctx, 2, 1)).To(Succeed())

			freshTree := resources.NewStore(nil)
			freshSessions := session.NewManager(&session.MockClient{}, store)
			fresh, err := update.NewCoordinator(store, freshSessions, freshTree)
			Expect(err).NotTo(HaveOccurred())
			defer func() {
				fresh.Close()
				Expect(freshSessions.Close(ctx)).To(Succeed())
			}()

			v, err := freshTree.ServerGet(ctx, "/lwm2m/update/state")
			Expect(err).NotTo(HaveOccurred())
			Expect(v.AsInt()).To(Equal(int64(2)))

			v, err = freshTree.ServerGet(ctx, "/lwm2m/update/result")
			Expect(err).NotTo(HaveOccurred())
			Expect(v.AsInt()).To(Equal(int64(1)))
		})

		It("tracks the transfer through the mirrored state resource", func() {
			coord.SetOfflineDownload(true)
			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 100, update.TypeFirmware, false)).To(Succeed())

			v, err := tree.ServerGet(ctx, "/lwm2m/update/state")
			Expect(err).NotTo(HaveOccurred())
			Expect(v.AsInt()).To(Equal(int64(1)))

			Expect(coord.ReportStatus(ctx, update.Report{
				Kind: update.KindDownload, Phase: update.PhaseComplete,
			})).To(Succeed())

			v, err = tree.ServerGet(ctx, "/lwm2m/update/state")
			Expect(err).NotTo(HaveOccurred())
			Expect(v.AsInt()).To(Equal(int64(2)))
		})
	})

	Describe("snapshotting", func() {
		It("hands out isolated copies", func() {
			Expect(store.SetAgreement(ctx, settings.AgreementInstall, true)).To(Succeed())
			rec := &statusRecorder{}
			coord.Subscribe(rec.record)

			_, err := coord.BlockInstall("status-probe")
			Expect(err).NotTo(HaveOccurred())

			install := &actionRecorder{}
			Expect(coord.QueryInstall(ctx, install.fire, update.TypeApplication, 3)).To(Succeed())

			snap := coord.Status()
			Expect(snap.State).To(Equal(update.StateInstallPending))
			Expect(snap.Context.Kind).To(Equal(update.KindInstall))
			Expect(snap.Context.Instance).To(Equal(3))
			Expect(snap.Blocks).To(Equal(1))
			Expect(snap.Deferred).To(HaveKey(update.KindInstall))

			delete(snap.Deferred, update.KindInstall)
			Expect(coord.Status().Deferred).To(HaveKey(update.KindInstall))
		})
	})

	Describe("closing", func() {
		It("is idempotent and refuses further work", func() {
			coord.Close()
			coord.Close()

			dl := &downloadRecorder{}
			Expect(coord.QueryDownload(ctx, dl.fn, 10, update.TypeFirmware, false)).
				To(MatchError(standarderrors.ErrFault))
			Expect(coord.Accept(ctx, update.KindDownload)).To(MatchError(standarderrors.ErrFault))
			Expect(coord.Defer(update.KindDownload, time.Second)).To(MatchError(standarderrors.ErrFault))
		})
	})
})
