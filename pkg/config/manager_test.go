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

package config_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tetherdm/tether-agent/pkg/config"
	"github.com/tetherdm/tether-agent/pkg/constants"
	"github.com/tetherdm/tether-agent/pkg/service/filesystem"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

const configPath = "/data/tether/config.yaml"

const fullConfig = `
device:
  serialNumber: TA-100432
  dataDir: /var/lib/tether
session:
  pollingIntervalMinutes: 15
  inactivityTimeoutSeconds: 30
  retryTimersMinutes: [15, 60, 240, 480, 1440, 2880, 0, 0]
bearer:
  apn: m2m.operator.net
updates:
  userAgreements:
    download: true
    install: true
`

var _ = Describe("FileConfigManager", func() {
	var (
		ctx     context.Context
		fs      *filesystem.MockFileSystem
		manager *config.FileConfigManager
	)

	BeforeEach(func() {
		ctx = context.Background()
		fs = filesystem.NewMockFileSystem()
		manager = config.NewFileConfigManager().
			WithConfigPath(configPath).
			WithFileSystemService(fs)
	})

	Describe("GetConfig", func() {
		It("parses a complete config file", func() {
			fs.WithFile(configPath, []byte(fullConfig))

			cfg, err := manager.GetConfig(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(cfg.Device.SerialNumber).To(Equal("TA-100432"))
			Expect(cfg.Device.DataDir).To(Equal("/var/lib/tether"))
			Expect(cfg.Session.PollingIntervalMinutes).To(Equal(uint32(15)))
			Expect(cfg.Session.InactivityTimeoutSeconds).To(Equal(uint32(30)))
			Expect(cfg.Session.RetryTimersMinutes).To(Equal([]uint16{15, 60, 240, 480, 1440, 2880, 0, 0}))
			Expect(cfg.Bearer.APN).To(Equal("m2m.operator.net"))
			Expect(cfg.Updates.UserAgreements.Download).To(BeTrue())
			Expect(cfg.Updates.UserAgreements.Install).To(BeTrue())
			Expect(cfg.Updates.UserAgreements.Reboot).To(BeFalse())
		})

		It("applies defaults for omitted fields", func() {
			fs.WithFile(configPath, []byte("session:\n  pollingIntervalMinutes: 5\n"))

			cfg, err := manager.GetConfig(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(cfg.Device.DataDir).To(Equal(constants.DefaultDataDir))
			Expect(cfg.Device.MetricsAddress).To(Equal(constants.DefaultMetricsAddress))
			Expect(cfg.Session.RetryTimersMinutes).To(HaveLen(constants.RetryTimerCount))
		})

		It("fails when the file is missing", func() {
			_, err := manager.GetConfig(ctx)
			Expect(err).To(MatchError(ContainSubstring("does not exist")))
		})

		It("fails on an empty file", func() {
			fs.WithFile(configPath, []byte(""))

			_, err := manager.GetConfig(ctx)
			Expect(err).To(MatchError(ContainSubstring("empty")))
		})

		It("fails on a file that is not yaml", func() {
			fs.WithFile(configPath, []byte("{{nope"))

			_, err := manager.GetConfig(ctx)
			Expect(err).To(MatchError(ContainSubstring("parse")))
		})

		It("rejects a retry ladder with the wrong number of entries", func() {
			fs.WithFile(configPath, []byte("session:\n  retryTimersMinutes: [15, 60]\n"))

			_, err := manager.GetConfig(ctx)
			Expect(err).To(MatchError(ContainSubstring("retryTimersMinutes")))
		})
	})

	Describe("GetConfigOrCreateNew", func() {
		It("creates the file with defaults on first boot", func() {
			cfg, err := manager.GetConfigOrCreateNew(ctx, config.AgentConfig{})
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Device.DataDir).To(Equal(constants.DefaultDataDir))

			written, err := fs.ReadFile(ctx, configPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(written).NotTo(BeEmpty())

			again, err := manager.GetConfig(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Device.DataDir).To(Equal(constants.DefaultDataDir))
		})

		It("persists applied overrides", func() {
			fs.WithFile(configPath, []byte(fullConfig))

			overrides := config.AgentConfig{}
			overrides.Bearer.APN = "override.operator.net"

			cfg, err := manager.GetConfigOrCreateNew(ctx, overrides)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Bearer.APN).To(Equal("override.operator.net"))

			again, err := manager.GetConfig(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Bearer.APN).To(Equal("override.operator.net"))
		})

		It("keeps file values that are not overridden", func() {
			fs.WithFile(configPath, []byte(fullConfig))

			cfg, err := manager.GetConfigOrCreateNew(ctx, config.AgentConfig{})
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Device.SerialNumber).To(Equal("TA-100432"))
			Expect(cfg.Updates.UserAgreements.Install).To(BeTrue())
		})
	})
})
