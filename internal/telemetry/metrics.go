// Copyright 2025 Esteban Alvarez. All Rights Reserved.
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

// Package telemetry provides opt-in, low-overhead Prometheus metrics for
// connection lifecycle, retry activity, and durability polling. When
// disabled, every public function is a no-op, so it is safe to call from
// hot paths (dispatch, the read loop, the durability poller) regardless of
// whether a caller has wired up a /metrics endpoint.
package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var enabled atomic.Bool

var (
	connectionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cbcore_connections_open",
		Help: "Number of node Connections currently in the ready state.",
	})
	connectionStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cbcore_connection_state_transitions_total",
		Help: "Count of Connection lifecycle transitions, by resulting state.",
	}, []string{"state"})
	retryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cbcore_retries_total",
		Help: "Count of retries scheduled by the orchestrator, by reason.",
	}, []string{"reason"})
	opaqueRegistryDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cbcore_opaque_registry_depth",
		Help: "Sum of pending opaque entries across all open Connections.",
	})
	durabilityPollLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cbcore_durability_poll_latency_seconds",
		Help:    "Time spent in the observe-poll loop per durability-waited mutation.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})
	durabilityOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cbcore_durability_outcomes_total",
		Help: "Durability poll outcomes, by result (satisfied, ambiguous, timeout).",
	}, []string{"outcome"})
	deadlineSweepExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cbcore_deadline_sweep_expired_total",
		Help: "Count of pending requests failed by the periodic deadline sweep (no response arrived before their deadline).",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsOpen,
		connectionStateTransitions,
		retryTotal,
		opaqueRegistryDepth,
		durabilityPollLatency,
		durabilityOutcomes,
		deadlineSweepExpiredTotal,
	)
}

// Enable toggles whether Observe*/Set* calls actually record. Disabled by
// default so embedding applications opt in explicitly.
func Enable(on bool) { enabled.Store(on) }

// Enabled reports whether metrics recording is currently on.
func Enabled() bool { return enabled.Load() }

// ObserveConnectionState records a Connection transitioning into state.
func ObserveConnectionState(state string) {
	if !enabled.Load() {
		return
	}
	connectionStateTransitions.WithLabelValues(state).Inc()
}

// SetConnectionsOpen sets the current count of ready Connections.
func SetConnectionsOpen(n int) {
	if !enabled.Load() {
		return
	}
	connectionsOpen.Set(float64(n))
}

// ObserveRetry records one retry scheduled for reason.
func ObserveRetry(reason string) {
	if !enabled.Load() {
		return
	}
	retryTotal.WithLabelValues(reason).Inc()
}

// SetOpaqueRegistryDepth records the current sum of pending opaque entries
// across all Connections.
func SetOpaqueRegistryDepth(n int) {
	if !enabled.Load() {
		return
	}
	opaqueRegistryDepth.Set(float64(n))
}

// ObserveDurabilityPoll records how long a durability wait took and its
// terminal outcome ("satisfied", "ambiguous", or "timeout").
func ObserveDurabilityPoll(d time.Duration, outcome string) {
	if !enabled.Load() {
		return
	}
	durabilityPollLatency.Observe(d.Seconds())
	durabilityOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveDeadlineSweepExpired records that n pending requests were failed by
// a periodic deadline sweep because no response arrived in time.
func ObserveDeadlineSweepExpired(n int) {
	if !enabled.Load() {
		return
	}
	deadlineSweepExpiredTotal.Add(float64(n))
}

// Handler returns the standard promhttp handler for mounting under
// /metrics in a host application's own HTTP server.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ServeStandalone starts a dedicated HTTP server exposing /metrics on addr,
// for deployments (or the demo CLI) that don't already run their own HTTP
// server. It does not block; callers that need graceful shutdown should
// mount Handler() on their own server instead.
func ServeStandalone(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
