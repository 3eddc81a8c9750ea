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

package settings_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tetherdm/tether-agent/pkg/config"
	"github.com/tetherdm/tether-agent/pkg/persistence/basic"
	"github.com/tetherdm/tether-agent/pkg/settings"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
)

func TestSettings(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Settings Suite")
}

var _ = Describe("Manager", func() {
	var (
		ctx context.Context
		db  basic.Store
		cfg config.AgentConfig
	)

	seedConfig := func() config.AgentConfig {
		var cfg config.AgentConfig
		cfg.Session.PollingIntervalMinutes = 60
		cfg.Session.RetryTimersMinutes = []uint16{15, 60, 240, 480, 1440, 2880, 0, 0}
		cfg.Bearer.APN = "m2m.operator.net"
		cfg.Updates.UserAgreements.Download = true

		return cfg
	}

	newManager := func() *settings.Manager {
		manager, err := settings.NewManager(ctx, db, cfg)
		Expect(err).NotTo(HaveOccurred())

		return manager
	}

	BeforeEach(func() {
		ctx = context.Background()
		db = basic.NewMemoryStore()
		cfg = seedConfig()
	})

	It("seeds records from the bootstrap config on first boot", func() {
		manager := newManager()

		Expect(manager.GetAgreement(settings.AgreementDownload)).To(BeTrue())
		Expect(manager.GetAgreement(settings.AgreementInstall)).To(BeFalse())
		Expect(manager.RetryTimers()).To(Equal([]uint16{15, 60, 240, 480, 1440, 2880, 0, 0}))
		Expect(manager.PollingInterval()).To(Equal(60 * time.Minute))

		apn, _, _ := manager.APN()
		Expect(apn).To(Equal("m2m.operator.net"))
	})

	It("prefers persisted values over the bootstrap config on later boots", func() {
		manager := newManager()
		Expect(manager.SetPollingInterval(ctx, 5)).To(Succeed())
		Expect(manager.SetAgreement(ctx, settings.AgreementInstall, true)).To(Succeed())

		cfg.Session.PollingIntervalMinutes = 999

		reopened := newManager()
		Expect(reopened.PollingInterval()).To(Equal(5 * time.Minute))
		Expect(reopened.GetAgreement(settings.AgreementInstall)).To(BeTrue())
	})

	It("rejects unknown agreements", func() {
		manager := newManager()

		err := manager.SetAgreement(ctx, settings.UserAgreement("format"), true)
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))
	})

	It("validates the retry ladder length", func() {
		manager := newManager()

		err := manager.SetRetryTimers(ctx, []uint16{15, 60})
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))
	})

	It("persists the retry ladder position across restarts", func() {
		manager := newManager()
		Expect(manager.SetRetryIndex(ctx, 3)).To(Succeed())

		reopened := newManager()
		Expect(reopened.RetryIndex()).To(Equal(3))
	})

	It("rejects retry positions outside the ladder", func() {
		manager := newManager()

		Expect(manager.SetRetryIndex(ctx, -1)).To(MatchError(standarderrors.ErrBadParameter))
		Expect(manager.SetRetryIndex(ctx, 99)).To(MatchError(standarderrors.ErrBadParameter))
	})

	It("records the last connection time", func() {
		manager := newManager()
		Expect(manager.LastConnection().IsZero()).To(BeTrue())

		mark := time.Now().Truncate(time.Second)
		Expect(manager.SetLastConnection(ctx, mark)).To(Succeed())

		reopened := newManager()
		Expect(reopened.LastConnection().Unix()).To(Equal(mark.Unix()))
	})

	It("keeps the offline-accepted download marker across restarts", func() {
		manager := newManager()

		_, pending := manager.DownloadAccepted()
		Expect(pending).To(BeFalse())

		marker := settings.DownloadMarker{Type: "firmware", TotalBytes: 4 << 20, Resume: true}
		Expect(manager.SetDownloadAccepted(ctx, marker)).To(Succeed())

		reopened := newManager()
		got, pending := reopened.DownloadAccepted()
		Expect(pending).To(BeTrue())
		Expect(got).To(Equal(marker))

		Expect(reopened.ClearDownloadAccepted(ctx)).To(Succeed())
		_, pending = reopened.DownloadAccepted()
		Expect(pending).To(BeFalse())
	})

	It("tracks resend markers for install and uninstall only", func() {
		manager := newManager()

		Expect(manager.SetResendMarker(ctx, settings.AgreementInstall, true)).To(Succeed())
		Expect(manager.ResendMarker(settings.AgreementInstall)).To(BeTrue())
		Expect(manager.ResendMarker(settings.AgreementUninstall)).To(BeFalse())

		err := manager.SetResendMarker(ctx, settings.AgreementReboot, true)
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))
	})

	It("persists the update status values", func() {
		manager := newManager()
		Expect(manager.SetUpdateStatus(ctx, 2, 1)).To(Succeed())

		reopened := newManager()
		state, result := reopened.UpdateStatus()
		Expect(state).To(Equal(2))
		Expect(result).To(Equal(1))
	})

	Describe("resource values", func() {
		It("round-trips every value kind", func() {
			manager := newManager()

			stored := settings.StoredValue{
				Path:  "/thermostat/target",
				Kind:  "float",
				Float: 21.5,
			}
			Expect(manager.SaveResourceValue(ctx, stored)).To(Succeed())

			loaded, err := manager.LoadResourceValue(ctx, "/thermostat/target")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(Equal(stored))
		})

		It("round-trips binary values", func() {
			manager := newManager()

			stored := settings.StoredValue{
				Path:  "/thermostat/calibration",
				Kind:  "bytes",
				Bytes: []byte{0x00, 0x01, 0xFF, 0x7E},
			}
			Expect(manager.SaveResourceValue(ctx, stored)).To(Succeed())

			loaded, err := manager.LoadResourceValue(ctx, "/thermostat/calibration")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Bytes).To(Equal(stored.Bytes))
		})

		It("returns ErrNotFound for values that were never written", func() {
			manager := newManager()

			_, err := manager.LoadResourceValue(ctx, "/thermostat/unset")
			Expect(err).To(MatchError(standarderrors.ErrNotFound))
		})

		It("saves a batch of values in one transaction", func() {
			manager := newManager()

			batch := []settings.StoredValue{
				{Path: "/thermostat/target", Kind: "float", Float: 19},
				{Path: "/thermostat/mode", Kind: "string", Str: "eco"},
				{Path: "/thermostat/enabled", Kind: "bool", Bool: true},
			}
			Expect(manager.SaveResourceValues(ctx, batch)).To(Succeed())

			for _, want := range batch {
				got, err := manager.LoadResourceValue(ctx, want.Path)
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(Equal(want))
			}
		})

		It("tolerates deleting values that do not exist", func() {
			manager := newManager()

			Expect(manager.DeleteResourceValue(ctx, "/thermostat/unset")).To(Succeed())

			Expect(manager.SaveResourceValue(ctx, settings.StoredValue{
				Path: "/thermostat/mode", Kind: "string", Str: "eco",
			})).To(Succeed())
			Expect(manager.DeleteResourceValue(ctx, "/thermostat/mode")).To(Succeed())

			_, err := manager.LoadResourceValue(ctx, "/thermostat/mode")
			Expect(err).To(MatchError(standarderrors.ErrNotFound))
		})
	})
})
