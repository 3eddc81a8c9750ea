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

package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// Component labels.
	ComponentCoordinator   = "coordinator"
	ComponentSession       = "session"
	ComponentResourceStore = "resource_store"
	ComponentDispatcher    = "dispatcher"
	ComponentCodec         = "codec"
	ComponentSettings      = "settings"
	ComponentPersistence   = "persistence"
	ComponentPush          = "push"
	ComponentDevInfo       = "devinfo"
	ComponentWatchdog      = "watchdog"
	ComponentConfigManager = "config_manager"
)

var (
	namespace = "tether"
	subsystem = "agent"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	requestDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_milliseconds",
			Help:      "Time taken to handle one inbound protocol request (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.95: 0.01,
				0.99: 0.01,
			},
		},
		[]string{"method"},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Inbound protocol requests by method and response status",
		},
		[]string{"method", "status"},
	)

	lifecycleState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lifecycle_state",
			Help:      "Current update lifecycle state (0=idle, 1=pending, 2=in progress, 3=complete, 4=timeout, -1=unknown)",
		},
	)

	sessionUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_up",
			Help:      "1 while a management session is established",
		},
	)

	resourceNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resource_nodes",
			Help:      "Number of nodes currently registered in the resource tree",
		},
	)

	pushQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "push_queue_depth",
			Help:      "Items waiting in the uplink push queue",
		},
	)

	pushSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "push_sent_total",
			Help:      "Uplink push attempts by result",
		},
		[]string{"result"},
	)

	heartbeatStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "heartbeat_status",
			Help:      "Latest watchdog heartbeat status per component (0=ok, 1=warning, 2=error)",
		},
		[]string{"component"},
	)
)

// DebugProvider exposes a JSON-serializable snapshot for the debug endpoint.
type DebugProvider interface {
	GetDebugInfo() interface{}
}

var debugRegistry struct {
	providers map[string]DebugProvider
	mu        sync.RWMutex
}

// RegisterDebugProvider exposes a component snapshot under /debug/state.
func RegisterDebugProvider(name string, provider DebugProvider) {
	debugRegistry.mu.Lock()
	defer debugRegistry.mu.Unlock()

	if debugRegistry.providers == nil {
		debugRegistry.providers = make(map[string]DebugProvider)
	}

	debugRegistry.providers[name] = provider
}

// UnregisterDebugProvider removes a debug provider from the registry.
func UnregisterDebugProvider(name string) {
	debugRegistry.mu.Lock()
	defer debugRegistry.mu.Unlock()

	delete(debugRegistry.providers, name)
}

func handleDebugState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

		return
	}

	debugRegistry.mu.RLock()
	defer debugRegistry.mu.RUnlock()

	response := make(map[string]interface{}, len(debugRegistry.providers))
	for name, provider := range debugRegistry.providers {
		response[name] = provider.GetDebugInfo()
	}

	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(response); err != nil {
		http.Error(w, "Failed to encode debug info", http.StatusInternalServerError)
	}
}

// SetupMetricsEndpoint starts an HTTP server exposing /metrics and
// /debug/state. Call once at startup; the returned server is shut down by
// the caller.
func SetupMetricsEndpoint(addr string, log *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/state", handleDebugState)

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics endpoint failed: %s", err)
		}
	}()

	return server
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// InitErrorCounter initializes the error counter for a component so the
// series exists before the first failure.
func InitErrorCounter(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Add(0)
}

// ObserveRequestDuration records the time taken to answer one request.
func ObserveRequestDuration(method string, duration time.Duration) {
	requestDuration.WithLabelValues(method).Observe(float64(duration.Milliseconds()))
}

// IncRequestCount counts one handled request by method and response status.
func IncRequestCount(method, status string) {
	requestsTotal.WithLabelValues(method, status).Inc()
}

// SetLifecycleState publishes the coordinator's current state.
func SetLifecycleState(state string) {
	lifecycleState.Set(lifecycleStateValue(state))
}

func lifecycleStateValue(state string) float64 {
	switch {
	case state == "idle":
		return 0
	case len(state) > 8 && state[len(state)-8:] == "_pending":
		return 1
	case len(state) > 12 && state[len(state)-12:] == "_in_progress":
		return 2
	case state == "download_complete":
		return 3
	case state == "download_timeout":
		return 4
	default:
		return -1
	}
}

// SetSessionUp publishes whether a management session is established.
func SetSessionUp(up bool) {
	if up {
		sessionUp.Set(1)
	} else {
		sessionUp.Set(0)
	}
}

// SetResourceNodeCount publishes the size of the resource tree.
func SetResourceNodeCount(n int) {
	resourceNodes.Set(float64(n))
}

// SetPushQueueDepth publishes the uplink queue length.
func SetPushQueueDepth(n uint64) {
	pushQueueDepth.Set(float64(n))
}

// IncPushSent counts one push attempt; result is "ok", "retry" or "dropped".
func IncPushSent(result string) {
	pushSentTotal.WithLabelValues(result).Inc()
}

// SetHeartbeatStatus publishes the latest watchdog verdict for a component.
func SetHeartbeatStatus(component string, status float64) {
	heartbeatStatus.WithLabelValues(component).Set(status)
}
