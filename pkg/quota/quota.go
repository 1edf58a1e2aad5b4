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

// Package quota provides a simple, low-contention fixed-window
// admission counter for per-source rate-limit state (§4.2's per-source
// sub-policy), where per-key traffic is too low to justify the striped
// accumulator in pkg/accumulator. Unlike that accumulator's
// scalar/vector pair bound for a backing store's commit loop, a
// per-source entry's count is never persisted anywhere: persource.go
// discards it wholesale at the end of every window, so Quota only
// needs to answer "has this source hit its window's max" rather than
// track a value destined to be committed.
package quota

import "sync"

// Quota is a thread-safe counter bounded by a per-window maximum. It
// tracks how many units a source has consumed in the current window;
// persource.go resets it (rather than discarding and reallocating) on
// every window rollover.
type Quota struct {
	mu    sync.Mutex
	max   int64
	count int64
}

// New creates a Quota that admits up to max units before TryConsume
// starts returning false.
func New(max int64) *Quota {
	return &Quota{max: max}
}

// TryConsume attempts to admit n units against the window's remaining
// budget, atomically, so concurrent callers sharing one Quota cannot
// both observe headroom and both be admitted past max.
func (q *Quota) TryConsume(n int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count+n > q.max {
		return false
	}
	q.count += n
	return true
}

// Count reports the number of units consumed so far this window.
func (q *Quota) Count() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Max reports the current window's admission ceiling.
func (q *Quota) Max() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.max
}

// Reset starts a new window with a (possibly changed) max and zeroes
// the consumed count, letting a caller reuse the Quota across window
// rollovers instead of allocating a fresh one every time.
func (q *Quota) Reset(max int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.max = max
	q.count = 0
}
