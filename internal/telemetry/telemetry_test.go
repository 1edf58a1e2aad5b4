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

package telemetry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ratelogd/internal/stats"
)

func TestPromExporterCollectsRegisteredCounters(t *testing.T) {
	reg := stats.NewRegistry()
	var n atomic.Int64
	obj := stats.NewObject("dynstats", "bucket1")
	obj.CounterNew("bucket1.ops_overflow", stats.IntCtr, stats.Resettable, n.Load)
	reg.Register(obj)
	n.Store(3)

	exporter := NewPromExporter(reg)
	ch := make(chan prometheus.Metric, 8)
	exporter.Collect(ch)
	close(ch)

	var got int
	for range ch {
		got++
	}
	if got != 1 {
		t.Fatalf("expected 1 metric, got %d", got)
	}
}

func TestConsoleExporterStartStopDoesNotPanic(t *testing.T) {
	reg := stats.NewRegistry()
	obj := stats.NewObject("ratelimit", "policy1")
	obj.CounterNew("per_source_allowed", stats.IntCtr, stats.None, func() int64 { return 1 })
	reg.Register(obj)

	e := NewConsoleExporter(reg, 5*time.Millisecond)
	e.Start()
	e.Start() // double-start is a no-op
	time.Sleep(20 * time.Millisecond)
	e.Stop()
	e.Stop() // double-stop is a no-op
}
