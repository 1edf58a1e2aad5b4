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

package queue

import (
	"sync"
	"time"
)

// gate is a broadcast wake-up primitive: waiters block on the current
// channel until it is closed, then a fresh one is installed for the
// next round. Modeled on the teacher pack's "closed channel, then
// recreated" notify idiom (internal/queries.QueryDispatcher's
// commandNotify) instead of sync.Cond, since Cond has no timed wait and
// the queue's flow-control waits need one (the enqueue timeout toEnq).
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

// wait blocks until the gate is broadcast or timeout elapses (timeout
// <= 0 means wait forever). Returns false on timeout.
func (g *gate) wait(timeout time.Duration) bool {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	if timeout <= 0 {
		<-ch
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// broadcast wakes every current waiter and arms a fresh channel for the
// next round.
func (g *gate) broadcast() {
	g.mu.Lock()
	close(g.ch)
	g.ch = make(chan struct{})
	g.mu.Unlock()
}
