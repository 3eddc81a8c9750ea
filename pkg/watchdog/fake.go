package watchdog

import (
	"context"

	"github.com/google/uuid"
)

// FakeWatchdog satisfies Iface without supervising anything. Tests use it
// where a component requires a watchdog but liveness is not under test.
type FakeWatchdog struct{}

func NewFakeWatchdog() *FakeWatchdog {
	return &FakeWatchdog{}
}

func (f *FakeWatchdog) Start(ctx context.Context) {}

func (f *FakeWatchdog) RegisterHeartbeat(name string, warningsUntilFailure uint64, timeoutSeconds uint64, onlyWhenActive bool) uuid.UUID {
	return uuid.New()
}

func (f *FakeWatchdog) UnregisterHeartbeat(id uuid.UUID) {}

func (f *FakeWatchdog) ReportHeartbeatStatus(id uuid.UUID, status HeartbeatStatus) {}

func (f *FakeWatchdog) SetActive(active bool) {}
