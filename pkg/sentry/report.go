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

package sentry

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	IssueTypeFatal   IssueType = "fatal"
)

// ReportIssue logs err and forwards it to the issue tracker. Fatal issues
// flush pending events and then panic.
func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

// ReportIssuef formats an error message and reports it.
func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with additional context data that
// becomes tags (and grouping hints, see fingerprintKeys) on the event.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	switch issueType {
	case IssueTypeFatal:
		reportFatal(err, log, context)
	case IssueTypeError:
		reportError(err, log, context)
	case IssueTypeWarning:
		reportWarning(err, log, context)
	}
}

// ReportIssuefWithContext formats an error message and reports it with
// additional context data.
func ReportIssuefWithContext(issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}, template string, args ...interface{}) {
	ReportIssueWithContext(fmt.Errorf(template, args...), issueType, log, context)
}

// ReportLifecycleError reports a lifecycle state-machine error with the
// context keys the tracker groups on.
func ReportLifecycleError(log *zap.SugaredLogger, machine string, operation string, err error) {
	ReportIssueWithContext(err, IssueTypeError, log, map[string]interface{}{
		"machine":   machine,
		"operation": operation,
	})
}

// ReportLifecycleErrorf formats a lifecycle state-machine error and reports it.
func ReportLifecycleErrorf(log *zap.SugaredLogger, machine string, operation string, template string, args ...interface{}) {
	ReportLifecycleError(log, machine, operation, fmt.Errorf(template, args...))
}

// reportFatal ships the event, then panics. The agent supervisor restarts
// the process; persisted state carries the lifecycle across the restart.
func reportFatal(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Error("The agent has encountered a fatal error and will now terminate.")
	log.Errorf("Error: %s", err)
	log.Errorf("Stack trace: %s", string(debug.Stack()))

	sendEvent(newEventWithContext(sentry.LevelFatal, err, context))
	sentry.Flush(time.Second * 5)

	log.Panic("Fatal error")
}

var (
	errorLastSent      = time.Now().Add(-time.Hour * 24)
	errorLastSentMutex sync.Mutex
)

func reportError(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	errorLastSentMutex.Lock()
	defer errorLastSentMutex.Unlock()

	if shouldDebounceErrors && time.Since(errorLastSent) < time.Hour*2 {
		return
	}

	log.Error(err)
	sendEvent(newEventWithContext(sentry.LevelError, err, context))
	errorLastSent = time.Now()
}

var (
	warningLastSent      = time.Now().Add(-time.Hour * 24)
	warningLastSentMutex sync.Mutex
)

func reportWarning(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	warningLastSentMutex.Lock()
	defer warningLastSentMutex.Unlock()

	if shouldDebounceErrors && time.Since(warningLastSent) < time.Hour*2 {
		return
	}

	log.Warn(err)
	sendEvent(newEventWithContext(sentry.LevelWarning, err, context))
	warningLastSent = time.Now()
}
