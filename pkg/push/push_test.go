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

package push_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tetherdm/tether-agent/pkg/backoff"
	"github.com/tetherdm/tether-agent/pkg/constants"
	"github.com/tetherdm/tether-agent/pkg/push"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
	"github.com/tetherdm/tether-agent/pkg/watchdog"
)

func TestPush(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Push Suite")
}

// recordingTransport captures delivered frames and can be programmed to
// fail the first N attempts.
type recordingTransport struct {
	mu        sync.Mutex
	delivered []string
	failures  int
	permanent bool
}

func (t *recordingTransport) Deliver(ctx context.Context, frame string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.permanent {
		return backoff.NewPermanentError(fmt.Errorf("server rejected payload"))
	}
	if t.failures > 0 {
		t.failures--

		return fmt.Errorf("transport down")
	}
	t.delivered = append(t.delivered, frame)

	return nil
}

func (t *recordingTransport) frames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]string(nil), t.delivered...)
}

var _ = Describe("Frame codec", func() {
	It("round-trips a small payload uncompressed", func() {
		payload := []byte("hello")
		frame, err := push.EncodeFrame(payload)
		Expect(err).NotTo(HaveOccurred())

		out, err := push.DecodeFrame(frame)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(payload))
	})

	It("round-trips a payload above the compression threshold", func() {
		payload := bytes.Repeat([]byte("tether "), 300)
		Expect(len(payload)).To(BeNumerically(">", constants.PushCompressionThreshold))
		Expect(len(payload)).To(BeNumerically("<=", constants.MaxPayloadBytes))

		frame, err := push.EncodeFrame(payload)
		Expect(err).NotTo(HaveOccurred())
		// Repetitive content must compress below the raw base64 size.
		Expect(len(frame)).To(BeNumerically("<", len(payload)))

		out, err := push.DecodeFrame(frame)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(payload))
	})

	It("rejects an empty payload", func() {
		_, err := push.EncodeFrame(nil)
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))
	})

	It("rejects a payload above the wire bound", func() {
		_, err := push.EncodeFrame(make([]byte, constants.MaxPayloadBytes+1))
		Expect(err).To(MatchError(standarderrors.ErrOverflow))
	})

	It("rejects a frame that is not base64", func() {
		_, err := push.DecodeFrame("not/base64!!")
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))
	})
})

var _ = Describe("Sender", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		dir       string
		transport *recordingTransport
		sender    *push.Sender
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		dir = GinkgoT().TempDir()
		transport = &recordingTransport{}

		var err error
		sender, err = push.NewSender(dir, transport, watchdog.NewFakeWatchdog())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		cancel()
		Expect(sender.Close()).To(Succeed())
	})

	It("delivers queued payloads in order", func() {
		sender.Start(ctx)

		Expect(sender.Push(ctx, []byte("first"))).To(Succeed())
		Expect(sender.Push(ctx, []byte("second"))).To(Succeed())

		Eventually(transport.frames, 5*time.Second).Should(HaveLen(2))
		Expect(sender.Depth()).To(BeZero())

		first, err := push.DecodeFrame(transport.frames()[0])
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(Equal([]byte("first")))

		second, err := push.DecodeFrame(transport.frames()[1])
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(Equal([]byte("second")))
	})

	It("retries a transient delivery failure within one drain", func() {
		transport.failures = 2
		sender.Start(ctx)

		Expect(sender.Push(ctx, []byte("retry me"))).To(Succeed())

		Eventually(transport.frames, 10*time.Second).Should(HaveLen(1))
		Expect(sender.Depth()).To(BeZero())
	})

	It("drops a permanently rejected payload instead of wedging the head", func() {
		transport.permanent = true
		sender.Start(ctx)

		Expect(sender.Push(ctx, []byte("poison"))).To(Succeed())

		Eventually(sender.Depth, 5*time.Second).Should(BeZero())
		Expect(transport.frames()).To(BeEmpty())
	})

	It("keeps undelivered items across a restart", func() {
		// No Start: nothing drains.
		Expect(sender.Push(ctx, []byte("parked"))).To(Succeed())
		Expect(sender.Depth()).To(BeEquivalentTo(1))
		Expect(sender.Close()).To(Succeed())

		reopened, err := push.NewSender(dir, transport, watchdog.NewFakeWatchdog())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			Expect(reopened.Close()).To(Succeed())
		})

		Expect(reopened.Depth()).To(BeEquivalentTo(1))

		reopened.Start(ctx)
		Eventually(transport.frames, 5*time.Second).Should(HaveLen(1))
	})

	It("refuses pushes after Close", func() {
		Expect(sender.Close()).To(Succeed())
		Expect(sender.Push(ctx, []byte("late"))).To(MatchError(standarderrors.ErrUnavailable))
	})
})
