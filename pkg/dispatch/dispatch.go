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

// Package dispatch routes server requests onto the resource tree. It is the
// only layer that speaks both wire and resources: it validates paths,
// decodes payloads, applies the operation through the store's server entry
// points and maps errors onto wire statuses.
//
// Command executions answer in two steps: the request is acknowledged as
// soon as the executor has the command, and the outcome travels out of band
// through the Responder once the executor's completion callback fires,
// correlated by the request token. Tokens expire; late completions are
// dropped and logged.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/tetherdm/tether-agent/pkg/codec"
	"github.com/tetherdm/tether-agent/pkg/constants"
	"github.com/tetherdm/tether-agent/pkg/logger"
	"github.com/tetherdm/tether-agent/pkg/metrics"
	"github.com/tetherdm/tether-agent/pkg/resources"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
	"github.com/tetherdm/tether-agent/pkg/wire"
)

// Responder carries a deferred command outcome back to the server, tagged
// with the token of the originating request.
type Responder func(token string, resp wire.Response)

// Sender queues an encoded payload for uplink delivery.
type Sender interface {
	Push(ctx context.Context, payload []byte) error
}

type pendingReply struct {
	token string
	path  string
	// done marks a consumed or withdrawn slot. Guarded by Dispatcher.mu.
	done bool
}

// Dispatcher applies wire requests to the resource tree.
type Dispatcher struct {
	logger *zap.SugaredLogger
	store  *resources.Store

	mu      sync.Mutex
	replies *expiremap.ExpireMap[string, *pendingReply]

	responder Responder
	sender    Sender
	yield     func()
}

// NewDispatcher returns a dispatcher over store. Wire the responder, sender
// and yield hook with the With mutators before serving requests.
func NewDispatcher(store *resources.Store) *Dispatcher {
	return &Dispatcher{
		logger:  logger.For(logger.ComponentDispatcher),
		store:   store,
		replies: expiremap.NewEx[string, *pendingReply](constants.ExecReplyCullInterval, constants.ExecReplyTTL),
	}
}

// WithResponder sets the out-of-band reply path for command completions.
func (d *Dispatcher) WithResponder(r Responder) *Dispatcher {
	d.responder = r
	return d
}

// WithSender sets the uplink queue used by PushSubtree.
func (d *Dispatcher) WithSender(s Sender) *Dispatcher {
	d.sender = s
	return d
}

// WithYield sets a hook the decoder calls periodically while walking large
// payloads, typically to kick the watchdog.
func (d *Dispatcher) WithYield(fn func()) *Dispatcher {
	d.yield = fn
	return d
}

// Handle processes one server request and returns its response. For POST
// the response only acknowledges that the execution started; the outcome
// follows through the Responder and may arrive before Handle returns when
// the executor completes synchronously.
func (d *Dispatcher) Handle(ctx context.Context, req wire.Request) wire.Response {
	start := time.Now()
	resp := d.handle(ctx, req)
	metrics.ObserveRequestDuration(req.Method.String(), time.Since(start))
	metrics.IncRequestCount(req.Method.String(), resp.Status.String())
	d.logger.Debugf("%s %s -> %s", req.Method, req.Path, resp.Status)
	return resp
}

func (d *Dispatcher) handle(ctx context.Context, req wire.Request) wire.Response {
	if len(req.Payload) > constants.MaxPayloadBytes {
		return wire.Response{Status: wire.StatusTooLarge}
	}
	if err := resources.ValidatePath(req.Path); err != nil {
		return d.reject(req, err)
	}
	switch req.Method {
	case wire.MethodGet:
		return d.get(ctx, req)
	case wire.MethodPut:
		return d.put(ctx, req)
	case wire.MethodPost:
		return d.post(ctx, req)
	default:
		return wire.Response{Status: wire.StatusMethodNotAllowed}
	}
}

func (d *Dispatcher) get(ctx context.Context, req wire.Request) wire.Response {
	kind, _ := d.store.Classify(req.Path)
	switch kind {
	case resources.PathLeaf:
		v, err := d.store.ServerGet(ctx, req.Path)
		if err != nil {
			return d.reject(req, err)
		}
		payload, err := codec.EncodeValue(v)
		if err != nil {
			return d.reject(req, err)
		}
		return wire.Response{Status: wire.StatusContent, Payload: payload}

	case resources.PathAncestor:
		leaves, err := d.store.ReadSubtree(ctx, req.Path)
		if err != nil {
			return d.reject(req, err)
		}
		rel := make([]resources.Leaf, 0, len(leaves))
		prefix := req.Path + "/"
		for _, l := range leaves {
			rel = append(rel, resources.Leaf{Path: strings.TrimPrefix(l.Path, prefix), Value: l.Value})
		}
		payload, err := codec.Encode(rel)
		if err != nil {
			return d.reject(req, err)
		}
		return wire.Response{Status: wire.StatusContent, Payload: payload}

	default:
		return wire.Response{Status: wire.StatusNotFound}
	}
}

func (d *Dispatcher) put(ctx context.Context, req wire.Request) wire.Response {
	kind, _ := d.store.Classify(req.Path)
	switch kind {
	case resources.PathLeaf:
		v, err := codec.DecodeValue(req.Payload)
		if err != nil {
			return d.reject(req, err)
		}
		if err := d.store.CheckServerSet(ctx, req.Path, v); err != nil {
			return d.reject(req, err)
		}
		if err := d.store.ServerSet(ctx, req.Path, v); err != nil {
			return d.reject(req, err)
		}
		return wire.Response{Status: wire.StatusChanged}

	case resources.PathAncestor:
		entries, err := codec.Decode(req.Payload, d.decodeOpts()...)
		if err != nil {
			return d.reject(req, err)
		}
		leaves := make([]resources.Leaf, 0, len(entries))
		for _, e := range entries {
			leaves = append(leaves, resources.Leaf{Path: req.Path + "/" + e.Path, Value: e.Value})
		}
		if err := d.store.ServerSetMulti(ctx, leaves); err != nil {
			return d.reject(req, err)
		}
		return wire.Response{Status: wire.StatusChanged}

	default:
		// Remote creation is unsupported: a path with nothing under it has
		// nothing to write to.
		return wire.Response{Status: wire.StatusNotFound}
	}
}

func (d *Dispatcher) post(ctx context.Context, req wire.Request) wire.Response {
	if req.Token == "" {
		return d.reject(req, fmt.Errorf("command execution needs a token: %w", standarderrors.ErrBadParameter))
	}
	args, err := codec.DecodeArguments(req.Payload, d.decodeOpts()...)
	if err != nil {
		return d.reject(req, err)
	}

	slot := &pendingReply{token: req.Token, path: req.Path}
	d.mu.Lock()
	if existing, ok := d.replies.Load(req.Token); ok && !(*existing).done {
		d.mu.Unlock()
		return d.reject(req, fmt.Errorf("token %s already in flight: %w", req.Token, standarderrors.ErrBusy))
	}
	d.replies.Set(req.Token, slot)
	d.mu.Unlock()

	token := req.Token
	if err := d.store.ServerExec(req.Path, args, func(execErr error) {
		d.finish(token, execErr)
	}); err != nil {
		// The executor never got the command; withdraw the slot.
		d.mu.Lock()
		slot.done = true
		d.mu.Unlock()
		return d.reject(req, err)
	}
	return wire.Response{Status: wire.StatusChanged}
}

// finish consumes a pending reply slot exactly once and hands the outcome
// to the responder.
func (d *Dispatcher) finish(token string, execErr error) {
	d.mu.Lock()
	p, ok := d.replies.Load(token)
	if !ok {
		d.mu.Unlock()
		d.logger.Warnf("dropping completion for expired token %s", token)
		metrics.IncErrorCount(logger.ComponentDispatcher, "late_completion")
		return
	}
	slot := *p
	if slot.done {
		d.mu.Unlock()
		d.logger.Warnf("dropping duplicate completion for token %s", token)
		return
	}
	slot.done = true
	path := slot.path
	d.mu.Unlock()

	status := wire.StatusChanged
	if execErr != nil {
		status = statusFor(execErr)
		d.logger.Infof("command %s finished with %s: %v", path, status, execErr)
	}
	if d.responder == nil {
		d.logger.Warnf("no responder attached, dropping outcome of %s", path)
		return
	}
	d.responder(token, wire.Response{Status: status})
}

// PushSubtree encodes every readable leaf at or under path and queues the
// result for uplink. Payload paths are absolute, so the server can place
// the values without request context.
func (d *Dispatcher) PushSubtree(ctx context.Context, path string) error {
	if d.sender == nil {
		return fmt.Errorf("no push sender attached: %w", standarderrors.ErrUnavailable)
	}
	if err := resources.ValidatePath(path); err != nil {
		return err
	}
	leaves, err := d.store.ReadSubtree(ctx, path)
	if err != nil {
		return err
	}
	payload, err := codec.Encode(leaves)
	if err != nil {
		return err
	}
	return d.sender.Push(ctx, payload)
}

func (d *Dispatcher) decodeOpts() []codec.DecodeOption {
	if d.yield == nil {
		return nil
	}
	return []codec.DecodeOption{codec.WithYield(constants.DecodeYieldEvery, d.yield)}
}

func (d *Dispatcher) reject(req wire.Request, err error) wire.Response {
	status := statusFor(err)
	if status == wire.StatusInternal {
		d.logger.Errorf("%s %s failed: %v", req.Method, req.Path, err)
		metrics.IncErrorCount(logger.ComponentDispatcher, "internal")
	} else {
		d.logger.Debugf("%s %s rejected: %v", req.Method, req.Path, err)
	}
	return wire.Response{Status: status}
}

// statusFor maps the module error taxonomy onto wire statuses.
func statusFor(err error) wire.Status {
	switch {
	case errors.Is(err, standarderrors.ErrNotFound):
		return wire.StatusNotFound
	case errors.Is(err, standarderrors.ErrNotPermitted):
		return wire.StatusMethodNotAllowed
	case errors.Is(err, standarderrors.ErrUnavailable):
		return wire.StatusMethodNotAllowed
	case errors.Is(err, standarderrors.ErrBadParameter):
		return wire.StatusBadRequest
	case errors.Is(err, standarderrors.ErrOverflow):
		return wire.StatusTooLarge
	case errors.Is(err, standarderrors.ErrDuplicate),
		errors.Is(err, standarderrors.ErrBusy):
		return wire.StatusConflict
	default:
		return wire.StatusInternal
	}
}
