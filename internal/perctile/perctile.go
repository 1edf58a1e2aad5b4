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

// Package perctile implements sliding-window percentile observation
// buckets per §4.6: a ring buffer of recent values per key, with lazy
// percentile computation deferred to stats-read time rather than
// recomputed on every observation.
package perctile

import (
	"sort"
	"strconv"
	"sync"

	"ratelogd/internal/stats"
	"ratelogd/pkg/ringbuf"
)

// Options configures a Bucket.
type Options struct {
	Percentiles []int // values in [0,100]
	WindowSize  int
	Delimiter   string
}

// keyState is the find-or-create per-key state described in §4.6.1.
type keyState struct {
	mu  sync.Mutex
	buf *ringbuf.Buffer[int64]

	min, max, sum int64
	count         int64
	reported      bool

	percentiles map[int]*int64 // percentile -> last-published value, read by stats.Counter
}

// Bucket is one percentile-observation bucket.
type Bucket struct {
	name        string
	percentiles []int
	windowSize  int
	delim       string

	mu   sync.RWMutex
	keys map[string]*keyState

	obj *stats.Object
}

func New(name string, opts Options, reg *stats.Registry) *Bucket {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 64
	}
	if opts.Delimiter == "" {
		opts.Delimiter = "."
	}
	b := &Bucket{
		name:        name,
		percentiles: opts.Percentiles,
		windowSize:  opts.WindowSize,
		delim:       opts.Delimiter,
		keys:        make(map[string]*keyState),
	}
	b.obj = stats.NewObject("percentile.bucket", name)
	b.obj.SetReadCallback(b.publishAll)
	if reg != nil {
		reg.Register(b.obj)
	}
	return b
}

func (b *Bucket) Object() *stats.Object { return b.obj }

func (b *Bucket) getOrCreate(key string) *keyState {
	b.mu.RLock()
	ks, ok := b.keys[key]
	b.mu.RUnlock()
	if ok {
		return ks
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ks, ok := b.keys[key]; ok {
		return ks
	}
	ks = &keyState{
		buf:         ringbuf.New[int64](b.windowSize),
		percentiles: make(map[int]*int64, len(b.percentiles)),
	}
	for _, p := range b.percentiles {
		v := int64(0)
		ks.percentiles[p] = &v
		name := key + b.delim + "p" + strconv.Itoa(p)
		pv := ks.percentiles[p]
		b.obj.CounterNew(name, stats.Int, stats.None, func() int64 { return *pv })
	}
	b.obj.CounterNew(key+b.delim+"window_min", stats.Int, stats.None, func() int64 { return ks.loadMin() })
	b.obj.CounterNew(key+b.delim+"window_max", stats.Int, stats.None, func() int64 { return ks.loadMax() })
	b.obj.CounterNew(key+b.delim+"window_sum", stats.Int, stats.None, func() int64 { return ks.loadSum() })
	b.obj.CounterNew(key+b.delim+"window_count", stats.Int, stats.None, func() int64 { return ks.loadCount() })
	b.keys[key] = ks
	return ks
}

func (ks *keyState) loadMin() int64 {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.min
}
func (ks *keyState) loadMax() int64 {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.max
}
func (ks *keyState) loadSum() int64 {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.sum
}
func (ks *keyState) loadCount() int64 {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.count
}

// Observe implements perctile_obs(bucket, key, value).
func (b *Bucket) Observe(key string, value int64) {
	ks := b.getOrCreate(key)

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.reported {
		ks.min, ks.max, ks.sum, ks.count = 0, 0, 0, 0
		ks.reported = false
	}

	ks.buf.AppendWithOverwrite(value)

	if ks.count == 0 {
		ks.min, ks.max = value, value
	} else {
		if value < ks.min {
			ks.min = value
		}
		if value > ks.max {
			ks.max = value
		}
	}
	ks.sum += value
	ks.count++
}

// publishAll is the lazy reporting read-callback: for each key, copy
// the ring buffer, sort it, and set each percentile counter to the
// rank-selected value, then mark the state reported so the next
// Observe starts a fresh window.
func (b *Bucket) publishAll() {
	b.mu.RLock()
	keys := make([]*keyState, 0, len(b.keys))
	for _, ks := range b.keys {
		keys = append(keys, ks)
	}
	b.mu.RUnlock()

	scratch := make([]int64, b.windowSize)
	for _, ks := range keys {
		ks.mu.Lock()
		n := ks.buf.Snapshot(scratch)
		buf := append([]int64(nil), scratch[:n]...)
		sort.Slice(buf, func(i, j int) bool { return buf[i] < buf[j] })
		for _, p := range b.percentiles {
			*ks.percentiles[p] = percentileValue(buf, p)
		}
		ks.reported = true
		ks.mu.Unlock()
	}
}

// percentileValue selects buf[floor(p/100*count)-1], clamped to 0, per
// §4.6's reporting rule.
func percentileValue(buf []int64, p int) int64 {
	if len(buf) == 0 {
		return 0
	}
	idx := (p * len(buf)) / 100
	idx--
	if idx < 0 {
		idx = 0
	}
	if idx >= len(buf) {
		idx = len(buf) - 1
	}
	return buf[idx]
}
