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

// Package dynstats implements cardinality-bounded, TTL-evicted counter
// maps ("buckets"). A bucket holds one named int64 counter per metric
// name, caps how many distinct metric names it will track at once, and
// reclaims idle metrics over two generations (live, survivor) so a
// metric that reappears within one unusedMetricLife window keeps its
// accumulated count.
//
// Grounded on the teacher's managedVSA store (internal/ratelimiter/core
// store.go/worker.go): the same map-of-wrapper-struct plus
// background-worker shape, adapted from a single VSA-per-key table into
// a two-generation, bounded-cardinality counter map with a dedicated
// persistence writer instead of a commit-threshold persister.
package dynstats

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ratelogd/internal/rserr"
	"ratelogd/internal/stats"
)

// metricCounter is the live storage behind one tracked metric name.
type metricCounter struct {
	value atomic.Int64
}

// Bucket is one named, bounded-cardinality counter map.
type Bucket struct {
	name              string
	resettable        bool
	maxCardinality    int
	unusedMetricLife  time.Duration
	persistWriteCount int64
	persistTimeIvl    time.Duration
	stateDir          string

	mu       sync.RWMutex
	live     map[string]*metricCounter
	survivor map[string]*metricCounter
	expiry   time.Time

	ctrNewMetricAdd   atomic.Int64
	ctrMetricsPurged  atomic.Int64
	ctrOpsOverflow    atomic.Int64
	ctrOpsIgnored     atomic.Int64
	ctrPurgeTriggered atomic.Int64
	ctrFlushedBytes   atomic.Int64
	ctrFlushedErrors  atomic.Int64
	ctrNoMetric       atomic.Int64

	updateCount atomic.Int64

	obj      *stats.Object
	onFlush  func(*Bucket) // set by the persistence writer, nil if persistence disabled
}

// Options configures a new Bucket.
type Options struct {
	Resettable              bool
	MaxCardinality          int
	UnusedMetricLife        time.Duration
	PersistStateWriteCount  int64
	PersistStateTimeInterval time.Duration
	StateDir                string
}

// New creates a Bucket and registers its reporting Object with reg (if
// non-nil). The Bucket's read callback performs the lazy TTL sweep
// (rebuild_survivor_table), matching §4.5's description of the sweep as
// something a stats *read* triggers, not a background timer.
func New(name string, opts Options, reg *stats.Registry) *Bucket {
	if opts.MaxCardinality <= 0 {
		opts.MaxCardinality = 1 << 20
	}
	b := &Bucket{
		name:              name,
		resettable:        opts.Resettable,
		maxCardinality:    opts.MaxCardinality,
		unusedMetricLife:  opts.UnusedMetricLife,
		persistWriteCount: opts.PersistStateWriteCount,
		persistTimeIvl:    opts.PersistStateTimeInterval,
		stateDir:          opts.StateDir,
		live:              make(map[string]*metricCounter),
		survivor:          make(map[string]*metricCounter),
	}
	if b.unusedMetricLife > 0 {
		b.expiry = time.Now().Add(b.unusedMetricLife)
	}

	b.obj = stats.NewObject("dynstats", name)
	b.obj.SetReadCallback(b.maybeRebuildSurvivorTable)
	flags := stats.None
	if b.resettable {
		flags = stats.Resettable
	}
	b.obj.CounterNew(name+".new_metric_add", stats.IntCtr, flags, b.ctrNewMetricAdd.Load)
	b.obj.CounterNew(name+".metrics_purged", stats.IntCtr, flags, b.ctrMetricsPurged.Load)
	b.obj.CounterNew(name+".ops_overflow", stats.IntCtr, flags, b.ctrOpsOverflow.Load)
	b.obj.CounterNew(name+".no_metric", stats.IntCtr, flags, b.ctrNoMetric.Load)
	b.obj.CounterNew(name+".ops_ignored", stats.IntCtr, flags, b.ctrOpsIgnored.Load)
	b.obj.CounterNew(name+".purge_triggered", stats.IntCtr, flags, b.ctrPurgeTriggered.Load)
	b.obj.CounterNew(name+".flushed_bytes", stats.IntCtr, flags, b.ctrFlushedBytes.Load)
	b.obj.CounterNew(name+".flushed_errors", stats.IntCtr, flags, b.ctrFlushedErrors.Load)
	if reg != nil {
		reg.Register(b.obj)
	}
	return b
}

// Object exposes the registered reporting Object (for Unregister on
// destruct, per the "destruction unregisters before freeing" rule).
func (b *Bucket) Object() *stats.Object { return b.obj }

// Inc implements dynstats_inc(bucket, metric_name) per §4.5.
func (b *Bucket) Inc(metric string) rserr.Code {
	// Step 1: short path, metric already live.
	b.mu.RLock()
	if c, ok := b.live[metric]; ok {
		c.value.Add(1)
		b.mu.RUnlock()
		b.afterIncrement()
		return rserr.OK
	}
	b.mu.RUnlock()

	// Step 2/3: write-lock, check cardinality, promote from survivor or
	// create.
	b.mu.Lock()
	if c, ok := b.live[metric]; ok {
		// Raced with another writer between the unlock and this lock.
		c.value.Add(1)
		b.mu.Unlock()
		b.afterIncrement()
		return rserr.OK
	}
	if len(b.live) >= b.maxCardinality {
		b.ctrOpsOverflow.Add(1)
		b.mu.Unlock()
		return rserr.OutOfMemory
	}
	var c *metricCounter
	if sc, ok := b.survivor[metric]; ok {
		c = sc
		delete(b.survivor, metric)
	} else {
		c = &metricCounter{}
	}
	c.value.Add(1)
	b.live[metric] = c
	b.ctrNewMetricAdd.Add(1)
	b.mu.Unlock()

	b.afterIncrement()
	return rserr.OK
}

func (b *Bucket) afterIncrement() {
	if b.persistWriteCount <= 0 && b.persistTimeIvl <= 0 {
		return
	}
	n := b.updateCount.Add(1)
	if b.onFlush == nil {
		return
	}
	if b.persistWriteCount > 0 && n%b.persistWriteCount == 0 {
		b.onFlush(b)
	}
}

// maybeRebuildSurvivorTable is the TTL read-callback: two-generation
// reclamation. Metrics touched within the most recent unusedMetricLife
// window survive one rotation; metrics idle across two windows are
// destroyed (they simply aren't in either map after the second swap).
func (b *Bucket) maybeRebuildSurvivorTable() {
	if b.unusedMetricLife <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Now().Before(b.expiry) {
		return
	}
	purged := len(b.survivor)
	b.survivor = b.live
	b.live = make(map[string]*metricCounter)
	b.ctrMetricsPurged.Add(int64(purged))
	b.ctrPurgeTriggered.Add(1)
	b.expiry = time.Now().Add(b.unusedMetricLife)
}

// Snapshot returns the combined live+survivor metric->value map. Used
// by the persistence writer and by tests; does not mutate state.
func (b *Bucket) Snapshot() map[string]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int64, len(b.live)+len(b.survivor))
	for k, c := range b.survivor {
		out[k] = c.value.Load()
	}
	for k, c := range b.live {
		out[k] = c.value.Load()
	}
	return out
}

// Cardinality returns |live|+|survivor|, the bound checked by invariant 4.
func (b *Bucket) Cardinality() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.live) + len(b.survivor)
}

// Name returns the bucket's configured name.
func (b *Bucket) Name() string { return b.name }

// LoadInitial merges previously persisted values as initial offsets for
// newly created counters, per §4.5's startup-merge rule. Called once
// before the bucket is exposed to writers.
func (b *Bucket) LoadInitial(values map[string]int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range values {
		if v < 0 {
			continue
		}
		c := &metricCounter{}
		c.value.Store(v)
		b.live[k] = c
	}
}

// sanitizeName replaces path separators in a bucket name with '_' for
// safe use as a state-file name component, per §6/original_source's
// dynstats_buildJSONMessage rule.
func sanitizeName(name string) string {
	return strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(name)
}
