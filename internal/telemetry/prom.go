// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package telemetry exports internal/stats.Registry snapshots, adapted
// from the teacher's internal/ratelimiter/telemetry/churn package: the
// same prometheus.Collector-on-a-ticker idea, generalized from a fixed
// set of global churn gauges to the dynamic, cardinality-bounded set of
// stats.Object counters the dynstats/ratelimit/queue/action subsystems
// register at construction (design note #5's read-callback model).
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ratelogd/internal/stats"
)

// PromExporter is a prometheus.Collector that, on every scrape, reads
// every Object currently registered in reg and republishes its
// counters as a single gauge family keyed by origin/name/counter. This
// mirrors the read-on-demand model design note #5 asks for (dynstats
// TTL sweep and percentile sort both happen lazily inside Object.Read,
// triggered here by Collect rather than by a fixed-interval loop).
type PromExporter struct {
	reg  *stats.Registry
	desc *prometheus.Desc
}

// NewPromExporter wraps reg. Register the result with a
// prometheus.Registerer (or prometheus.MustRegister for the default
// one) to expose it.
func NewPromExporter(reg *stats.Registry) *PromExporter {
	return &PromExporter{
		reg: reg,
		desc: prometheus.NewDesc(
			"ratelogd_stat",
			"A stats.Object counter, labeled by origin/name/counter.",
			[]string{"origin", "name", "counter"},
			nil,
		),
	}
}

func (e *PromExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.desc
}

func (e *PromExporter) Collect(ch chan<- prometheus.Metric) {
	for _, snap := range e.reg.ReadAll() {
		for counter, v := range snap.Values {
			ch <- prometheus.MustNewConstMetric(e.desc, prometheus.GaugeValue, float64(v), snap.Origin, snap.Name, counter)
		}
	}
}

// ServeMetrics starts a dedicated HTTP server exposing /metrics on
// addr, matching the teacher's startMetricsEndpoint. Safe to call once
// per process; the caller owns the returned server's lifecycle (Close
// it during shutdown to release the listener).
func ServeMetrics(addr string, reg *stats.Registry) *http.Server {
	exporter := NewPromExporter(reg)
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(exporter)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
	return server
}

// once guards double-registration of the process-wide default
// collector variant some callers prefer (promauto-style global
// /metrics shared with other packages).
var (
	defaultOnce sync.Once
	defaultErr  error
)

// RegisterDefault registers a PromExporter for reg with the global
// prometheus registry exactly once per process, for daemons that
// expose one shared /metrics endpoint rather than a dedicated server.
func RegisterDefault(reg *stats.Registry) error {
	defaultOnce.Do(func() {
		defaultErr = prometheus.Register(NewPromExporter(reg))
	})
	return defaultErr
}
