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

package ratelimit

import (
	"container/list"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgryski/go-rendezvous"

	"ratelogd/internal/message"
	"ratelogd/internal/stats"
	"ratelogd/pkg/quota"
)

const shardCount = 16

// perSourceEntry is one LRU-tracked per-key admission state: a sliding
// fixed window backed by a pkg/quota.Quota sized to max admissions per
// window (too low-traffic per key to justify pkg/accumulator's striping),
// plus an LRU list element for O(1) touch/evict. The window rolls over by
// calling q.Reset in place rather than allocating a fresh Quota, the same
// reset-on-rollover pattern Instance.tokenBucketCheck uses with its own
// accumulator.
type perSourceEntry struct {
	key         string
	max         uint
	window      uint // seconds
	windowStart int64
	q           *quota.Quota
	dropped     uint64
	elem        *list.Element
}

type shard struct {
	mu      sync.Mutex
	states  map[string]*perSourceEntry
	lru     *list.List // front = most-recently-used
}

// PerSourceTable is the per-source state table described in §4.2: O(1)
// lookup/create under a dedicated mutex, LRU eviction bounded by
// max_states. Sharded across shardCount mutex-protected partitions via
// rendezvous (highest-random-weight) hashing so the "dedicated mutex"
// scales with traffic instead of being one global lock, per SPEC_FULL's
// domain-stack wiring for dgriski/go-rendezvous.
type PerSourceTable struct {
	cfg      *PerSourceConfig
	shards   []*shard
	hash     *rendezvous.Table
	shardIdx map[string]int

	// total tracks the state count across every shard so Admit can
	// enforce invariant 3 (|per_source_states| <= max_states) globally;
	// a per-shard len() check alone would let the real total reach
	// shardCount times cfg.MaxStates.
	total atomic.Int64

	topReporter *topNReporter
}

func shardNodes() ([]string, map[string]int) {
	nodes := make([]string, shardCount)
	idx := make(map[string]int, shardCount)
	for i := range nodes {
		name := fmt.Sprintf("shard-%d", i)
		nodes[i] = name
		idx[name] = i
	}
	return nodes, idx
}

func hashStr(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// NewPerSourceTable builds a table bounded by cfg.MaxStates across all
// shards and registers its top-N dropper reporter under reg.
func NewPerSourceTable(cfg *PerSourceConfig, reg *stats.Registry) *PerSourceTable {
	nodes, idx := shardNodes()
	t := &PerSourceTable{
		cfg:      cfg,
		shards:   make([]*shard, shardCount),
		hash:     rendezvous.New(nodes, hashStr),
		shardIdx: idx,
	}
	for i := range t.shards {
		t.shards[i] = &shard{states: make(map[string]*perSourceEntry), lru: list.New()}
	}
	t.topReporter = newTopNReporter(cfg.TopN, reg)
	return t
}

func (t *PerSourceTable) shardFor(key string) *shard {
	node := t.hash.Get(key)
	idx, ok := t.shardIdx[node]
	if !ok {
		idx = int(hashStr(key) % uint64(shardCount))
	}
	return t.shards[idx]
}

// Key renders the per-source key from a message's well-known fields
// per §4.2's templates. Only the direct-field-access templates are
// implemented here. Message carries no port, so both port templates
// render "<hostname>:<source address>". Any other template is treated
// like %fromhost%: the hostname, or the source address if the hostname
// is empty.
func (t *PerSourceTable) Key(m *message.Message) string {
	switch t.cfg.KeyTemplate {
	case "%fromhost-ip%":
		return m.SourceAddr()
	case "%fromhost%:%fromhost-port%", "%fromhost-ip%:%fromhost-port%":
		return m.Hostname() + ":" + m.SourceAddr()
	case "%fromhost%":
		fallthrough
	default:
		if m.Hostname() != "" {
			return m.Hostname()
		}
		return m.SourceAddr()
	}
}

// Admit implements the per-source check in §4.2: sliding fixed-window
// admission against the key's max/window (override or default), LRU
// touch-on-access, LRU eviction on creation when max_states is reached.
// If MaxStates is configured as 0 (no room for any per-source state at
// all), or the table is full and this key's shard has no entry of its
// own to evict, the message is admitted fail-open per the supplemented
// original_source behavior and oom is true: the global counter is not
// rolled back and the message passes through untracked.
func (t *PerSourceTable) Admit(key string, now time.Time) (admitted, oom bool) {
	if t.cfg.MaxStates <= 0 {
		return true, true
	}

	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.states[key]
	if !ok {
		if int(t.total.Load()) >= t.cfg.MaxStates {
			// Global bound is at capacity. Evict this shard's own LRU
			// victim first (no cross-shard locking, to avoid lock
			// ordering deadlocks between concurrently-admitting
			// goroutines); if this shard has nothing to evict, another
			// shard is holding the capacity and this message fails
			// open rather than blocking or over-allocating.
			if !t.evictLRU(sh) {
				return true, true
			}
		}
		max, window := t.cfg.DefaultMax, t.cfg.DefaultWindow
		if ov, ok := t.cfg.Overrides[key]; ok {
			if ov.Max > 0 {
				max = ov.Max
			}
			if ov.Window > 0 {
				window = ov.Window
			}
		}
		e = &perSourceEntry{key: key, max: max, window: window, windowStart: now.Unix(), q: quota.New(int64(max))}
		e.elem = sh.lru.PushFront(e)
		sh.states[key] = e
		t.total.Add(1)
	} else {
		sh.lru.MoveToFront(e.elem)
	}

	if uint(now.Unix()-e.windowStart) >= e.window {
		e.windowStart = now.Unix()
		e.q.Reset(int64(e.max))
	}
	if e.q.TryConsume(1) {
		return true, false
	}
	e.dropped++
	t.topReporter.report(key, e.dropped)
	return false, false
}

// evictLRU removes this shard's least-recently-used entry and reports
// whether it found one to remove.
func (t *PerSourceTable) evictLRU(sh *shard) bool {
	back := sh.lru.Back()
	if back == nil {
		return false
	}
	e := back.Value.(*perSourceEntry)
	sh.lru.Remove(back)
	delete(sh.states, e.key)
	t.total.Add(-1)
	return true
}

// Len returns the total number of tracked per-source states across all
// shards, used to check invariant 3 (|per_source_states| <= max_states).
func (t *PerSourceTable) Len() int {
	total := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		total += len(sh.states)
		sh.mu.Unlock()
	}
	return total
}

// sanitizeKey replaces characters unsafe in a counter name with '_'.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, key)
}

// topNReporter tracks the top-N droppers and republishes their
// per_source_drop_<rank>_<key> counters, unregistering the previous
// rank's counter object before registering the new one on a rank
// change (the churn-avoidance rule supplemented from original_source's
// dynstats.c-style unregister-before-register pattern).
type topNReporter struct {
	n   int
	reg *stats.Registry

	mu      sync.Mutex
	counts  map[string]uint64
	ranked  map[int]*stats.Object // rank -> currently registered object
	rankKey map[int]string
}

func newTopNReporter(n int, reg *stats.Registry) *topNReporter {
	if n <= 0 {
		n = 10
	}
	return &topNReporter{
		n:       n,
		reg:     reg,
		counts:  make(map[string]uint64),
		ranked:  make(map[int]*stats.Object),
		rankKey: make(map[int]string),
	}
}

func (r *topNReporter) report(key string, dropped uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key] = dropped

	type kv struct {
		key   string
		count uint64
	}
	all := make([]kv, 0, len(r.counts))
	for k, c := range r.counts {
		all = append(all, kv{k, c})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].count > all[j].count })
	if len(all) > r.n {
		all = all[:r.n]
	}

	for rank, e := range all {
		if prevKey, ok := r.rankKey[rank]; ok && prevKey != e.key {
			if prevObj, ok := r.ranked[rank]; ok && r.reg != nil {
				r.reg.Unregister(prevObj)
			}
			delete(r.ranked, rank)
		}
		if _, ok := r.ranked[rank]; !ok {
			obj := stats.NewObject("ratelimit", fmt.Sprintf("per_source_drop_%d_%s", rank, sanitizeKey(e.key)))
			ek := e.key
			obj.CounterNew(obj.Name, stats.IntCtr, stats.None, func() int64 {
				r.mu.Lock()
				defer r.mu.Unlock()
				return int64(r.counts[ek])
			})
			r.ranked[rank] = obj
			r.rankKey[rank] = e.key
			if r.reg != nil {
				r.reg.Register(obj)
			}
		}
	}
}
