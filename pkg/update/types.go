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

package update

import (
	"fmt"
	"time"

	loopfsm "github.com/looplab/fsm"

	"github.com/tetherdm/tether-agent/pkg/settings"
)

// Kind names an operation the server can put in front of the device.
type Kind uint8

const (
	KindConnection Kind = iota + 1
	KindDownload
	KindInstall
	KindUninstall
	KindReboot
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindDownload:
		return "download"
	case KindInstall:
		return "install"
	case KindUninstall:
		return "uninstall"
	case KindReboot:
		return "reboot"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// agreement maps a kind onto its persisted user-agreement flag.
func (k Kind) agreement() settings.UserAgreement {
	switch k {
	case KindConnection:
		return settings.AgreementConnect
	case KindDownload:
		return settings.AgreementDownload
	case KindInstall:
		return settings.AgreementInstall
	case KindUninstall:
		return settings.AgreementUninstall
	default:
		return settings.AgreementReboot
	}
}

// UpdateType distinguishes what is being transferred or applied.
type UpdateType uint8

const (
	TypeFirmware UpdateType = iota + 1
	TypeApplication
	TypeFile
)

func (t UpdateType) String() string {
	switch t {
	case TypeFirmware:
		return "firmware"
	case TypeApplication:
		return "application"
	case TypeFile:
		return "file"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ErrorCode classifies a terminal failure for observers and the mirrored
// result resource.
type ErrorCode uint8

const (
	ErrorNone ErrorCode = iota
	ErrorInternal
	ErrorBadPackage
	ErrorConnectionLost
	ErrorTimeout
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorInternal:
		return "internal"
	case ErrorBadPackage:
		return "bad_package"
	case ErrorConnectionLost:
		return "connection_lost"
	case ErrorTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("error(%d)", uint8(e))
	}
}

// Context describes the in-flight operation. Its Kind is meaningful only
// while the machine is outside idle.
type Context struct {
	Kind       Kind
	Type       UpdateType
	Instance   int
	TotalBytes int64
	Resume     bool
}

// Phase is the milestone a source reports through ReportStatus.
type Phase uint8

const (
	PhaseStarted Phase = iota + 1
	PhaseProgress
	PhaseComplete
	PhaseFailed
	PhaseTimeout
)

func (p Phase) String() string {
	switch p {
	case PhaseStarted:
		return "started"
	case PhaseProgress:
		return "progress"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	case PhaseTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Report is one progress report from a registered source.
type Report struct {
	Kind       Kind
	Phase      Phase
	Type       UpdateType
	Instance   int
	TotalBytes int64
	Progress   int
	Code       ErrorCode
}

// StatusEvent is the snapshot subscribers receive after every transition.
type StatusEvent struct {
	State      string
	Kind       Kind
	Type       UpdateType
	Instance   int
	TotalBytes int64
	Progress   int
	Code       ErrorCode
}

// Status is a point-in-time copy of the coordinator, deep-copied so the
// caller can keep it.
type Status struct {
	State    string
	Context  Context
	Progress int
	Blocks   int
	Offline  bool
	Deferred map[Kind]time.Time
}

// DownloadFunc launches or resumes the transfer the server offered.
type DownloadFunc func(totalBytes int64, updateType UpdateType, resume bool)

// ActionFunc performs an accepted install, uninstall or reboot.
type ActionFunc func()

// Token identifies one status subscription.
type Token string

// Lifecycle states. Pending states wait on a user decision; in-progress
// states wait on the source's completion report.
const (
	StateIdle                 = "idle"
	StateConnectionPending    = "connection_pending"
	StateConnectionInProgress = "connection_in_progress"
	StateDownloadPending      = "download_pending"
	StateDownloadInProgress   = "download_in_progress"
	StateDownloadComplete     = "download_complete"
	StateDownloadTimeout      = "download_timeout"
	StateInstallPending       = "install_pending"
	StateInstallInProgress    = "install_in_progress"
	StateUninstallPending     = "uninstall_pending"
	StateUninstallInProgress  = "uninstall_in_progress"
	StateRebootPending        = "reboot_pending"
	StateRebootInProgress     = "reboot_in_progress"
)

func pendingState(k Kind) string    { return k.String() + "_pending" }
func inProgressState(k Kind) string { return k.String() + "_in_progress" }

func queryEvent(k Kind) string    { return "query_" + k.String() }
func launchEvent(k Kind) string   { return "launch_" + k.String() }
func completeEvent(k Kind) string { return "complete_" + k.String() }
func failEvent(k Kind) string     { return "fail_" + k.String() }
func cancelEvent(k Kind) string   { return "cancel_" + k.String() }

const eventDownloadTimeout = "timeout_download"

// transitions builds the full lifecycle table. Anything not listed is
// refused with no side effect.
func transitions() []loopfsm.EventDesc {
	table := []loopfsm.EventDesc{
		{Name: queryEvent(KindConnection), Src: []string{StateIdle}, Dst: StateConnectionPending},
		{Name: queryEvent(KindDownload), Src: []string{StateIdle, StateDownloadTimeout}, Dst: StateDownloadPending},
		{Name: queryEvent(KindInstall), Src: []string{StateIdle, StateDownloadComplete}, Dst: StateInstallPending},
		{Name: queryEvent(KindUninstall), Src: []string{StateIdle}, Dst: StateUninstallPending},
		{Name: queryEvent(KindReboot), Src: []string{StateIdle}, Dst: StateRebootPending},

		{Name: launchEvent(KindConnection), Src: []string{StateConnectionPending}, Dst: StateConnectionInProgress},
		// idle is a legal launch source for a download agreed before a
		// restart: the marker survives, the pending state does not.
		{Name: launchEvent(KindDownload), Src: []string{StateDownloadPending, StateIdle}, Dst: StateDownloadInProgress},
		{Name: launchEvent(KindInstall), Src: []string{StateInstallPending}, Dst: StateInstallInProgress},
		{Name: launchEvent(KindUninstall), Src: []string{StateUninstallPending}, Dst: StateUninstallInProgress},
		{Name: launchEvent(KindReboot), Src: []string{StateRebootPending}, Dst: StateRebootInProgress},

		{Name: completeEvent(KindConnection), Src: []string{StateConnectionInProgress}, Dst: StateIdle},
		{Name: completeEvent(KindDownload), Src: []string{StateDownloadInProgress}, Dst: StateDownloadComplete},
		{Name: completeEvent(KindInstall), Src: []string{StateInstallInProgress}, Dst: StateIdle},
		{Name: completeEvent(KindUninstall), Src: []string{StateUninstallInProgress}, Dst: StateIdle},
		{Name: completeEvent(KindReboot), Src: []string{StateRebootInProgress}, Dst: StateIdle},

		{Name: eventDownloadTimeout, Src: []string{StateDownloadPending, StateDownloadInProgress}, Dst: StateDownloadTimeout},
	}

	failSources := map[Kind][]string{
		KindConnection: {StateConnectionPending, StateConnectionInProgress},
		KindDownload:   {StateDownloadPending, StateDownloadInProgress, StateDownloadComplete, StateDownloadTimeout},
		KindInstall:    {StateInstallPending, StateInstallInProgress},
		KindUninstall:  {StateUninstallPending, StateUninstallInProgress},
		KindReboot:     {StateRebootPending, StateRebootInProgress},
	}
	for _, k := range []Kind{KindConnection, KindDownload, KindInstall, KindUninstall, KindReboot} {
		table = append(table,
			loopfsm.EventDesc{Name: failEvent(k), Src: failSources[k], Dst: StateIdle},
			loopfsm.EventDesc{Name: cancelEvent(k), Src: []string{pendingState(k)}, Dst: StateIdle},
		)
	}

	return table
}

// mirrorState maps a machine state onto the standardized firmware-update
// object's state codes (0 idle, 1 downloading, 2 downloaded, 3 updating).
func mirrorState(state string) int {
	switch state {
	case StateDownloadPending, StateDownloadInProgress:
		return 1
	case StateDownloadComplete:
		return 2
	case StateInstallInProgress:
		return 3
	default:
		return 0
	}
}

// mirrorResult maps a terminal error code onto the standardized result
// codes (0 initial, 1 success, 4 connection lost, 5 integrity failure,
// 8 failed).
func mirrorResult(code ErrorCode, installed bool) int {
	switch {
	case installed:
		return 1
	case code == ErrorNone:
		return 0
	case code == ErrorConnectionLost:
		return 4
	case code == ErrorBadPackage:
		return 5
	default:
		return 8
	}
}
