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

// Package push queues encoded resource payloads for uplink delivery. The
// queue is disk-backed, so pushes accepted while the device has no session
// survive a reboot and drain once connectivity returns.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"

	"github.com/beeker1121/goque"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tetherdm/tether-agent/pkg/backoff"
	"github.com/tetherdm/tether-agent/pkg/constants"
	"github.com/tetherdm/tether-agent/pkg/logger"
	"github.com/tetherdm/tether-agent/pkg/metrics"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
	"github.com/tetherdm/tether-agent/pkg/watchdog"
)

// Transport delivers one framed payload to the management server. The
// delivery mechanism itself is an external collaborator; deliveries that
// cannot succeed by retrying should return a permanent CategorizedError.
type Transport interface {
	Deliver(ctx context.Context, frame string) error
}

// Sender is the uplink push queue. Push accepts payloads at any time;
// a background drain loop delivers them in order once the transport
// cooperates. Implements dispatch.Sender.
type Sender struct {
	logger    *zap.SugaredLogger
	transport Transport
	dog       watchdog.Iface

	// mu guards queue access; goque serializes internally but Peek and the
	// following Dequeue must see the same head item.
	mu    sync.Mutex
	queue *goque.Queue

	wake   chan struct{}
	closed chan struct{}
	wg     sync.WaitGroup

	watcherID uuid.UUID
}

// NewSender opens (or creates) the disk-backed queue at dir.
func NewSender(dir string, transport Transport, dog watchdog.Iface) (*Sender, error) {
	queue, err := goque.OpenQueue(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open push queue at %s: %w", dir, err)
	}

	s := &Sender{
		logger:    logger.For(logger.ComponentPush),
		transport: transport,
		dog:       dog,
		queue:     queue,
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	metrics.SetPushQueueDepth(queue.Length())

	return s, nil
}

// Start launches the drain loop. The loop runs until ctx is cancelled or
// Close is called.
func (s *Sender) Start(ctx context.Context) {
	id := s.dog.RegisterHeartbeat("push-drain",
		constants.DefaultWarningsUntilFailure,
		uint64(constants.DefaultWatchdogTimeout/time.Second), false)

	s.mu.Lock()
	s.watcherID = id
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.dog.UnregisterHeartbeat(id)

		ticker := time.NewTicker(constants.PushDrainInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			case <-s.wake:
			case <-ticker.C:
			}
			s.dog.ReportHeartbeatStatus(id, watchdog.StatusOK)
			s.drain(ctx)
		}
	}()
}

// Push frames payload and appends it to the queue. The enqueued item is
// durable before Push returns.
func (s *Sender) Push(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return fmt.Errorf("push sender closed: %w", standarderrors.ErrUnavailable)
	default:
	}

	if _, err := s.queue.EnqueueString(frame); err != nil {
		metrics.IncErrorCount(logger.ComponentPush, "enqueue")

		return fmt.Errorf("failed to enqueue push: %w", err)
	}
	depth := s.queue.Length()
	metrics.SetPushQueueDepth(depth)
	if depth > constants.PushQueueWarnDepth && s.watcherID != uuid.Nil {
		s.logger.Warnf("push queue backlog at %d items", depth)
		s.dog.ReportHeartbeatStatus(s.watcherID, watchdog.StatusWarning)
	}
	s.Kick()

	return nil
}

// Kick nudges the drain loop, typically on session start. Safe to call
// from any goroutine; a kick while a drain is running coalesces.
func (s *Sender) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Depth returns the number of queued, undelivered pushes.
func (s *Sender) Depth() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queue.Length()
}

// Close stops the drain loop and releases the on-disk queue. Pending items
// stay queued for the next start.
func (s *Sender) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()

		return nil
	default:
		close(s.closed)
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.queue.Close(); err != nil {
		return fmt.Errorf("failed to close push queue: %w", err)
	}

	return nil
}

// drain delivers queued frames head-first until the queue is empty or a
// delivery gives up. An item is removed only after the transport confirmed
// it, so a crash between deliver and dequeue re-sends rather than loses.
func (s *Sender) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		item, err := s.queue.Peek()
		s.mu.Unlock()

		if errors.Is(err, goque.ErrEmpty) {
			return
		}
		if err != nil {
			s.logger.Errorf("failed to peek push queue: %v", err)
			metrics.IncErrorCount(logger.ComponentPush, "peek")

			return
		}

		if err := s.deliver(ctx, item.ToString()); err != nil {
			if backoff.IsPermanentError(err) {
				// Undeliverable by construction; drop it rather than
				// wedging the queue head forever.
				s.logger.Errorf("dropping undeliverable push: %v", err)
				metrics.IncPushSent("dropped")
				s.dequeueHead()

				continue
			}
			s.logger.Warnf("push delivery gave up, item stays queued: %v", err)
			metrics.IncPushSent("failed")

			return
		}

		metrics.IncPushSent("delivered")
		s.dequeueHead()
	}
}

func (s *Sender) dequeueHead() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.queue.Dequeue(); err != nil && !errors.Is(err, goque.ErrEmpty) {
		s.logger.Errorf("failed to dequeue delivered push: %v", err)
		metrics.IncErrorCount(logger.ComponentPush, "dequeue")
	}
	metrics.SetPushQueueDepth(s.queue.Length())
}

// deliver retries one frame on an exponential schedule until it succeeds,
// the schedule elapses, or the transport reports a permanent failure.
func (s *Sender) deliver(ctx context.Context, frame string) error {
	policy := cbackoff.NewExponentialBackOff()
	policy.MaxElapsedTime = constants.PushDrainMaxElapsed
	// Keep retry gaps under the heartbeat timeout; the retry loop beats
	// once per attempt.
	policy.MaxInterval = constants.PushDrainInterval

	return cbackoff.Retry(func() error {
		// Retrying is healthy; only silence is not.
		s.dog.ReportHeartbeatStatus(s.watcherID, watchdog.StatusOK)

		err := s.transport.Deliver(ctx, frame)
		if err == nil {
			return nil
		}
		if backoff.IsPermanentError(err) {
			return cbackoff.Permanent(err)
		}

		return err
	}, cbackoff.WithContext(policy, ctx))
}
