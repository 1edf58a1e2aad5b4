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

package outputs

import (
	"context"
	"errors"
	"sync"

	"ratelogd/internal/ratelimiter/persistence"
)

// mockPersister is an in-memory persistence.IdempotentPersister,
// tracking applied commit IDs per key so repeated commits are true
// no-ops, same contract the real adapters provide. It backs
// NewMockModule for tests and a dependency-free dev build.
type mockPersister struct {
	mu      sync.Mutex
	applied map[string]map[string]bool // key -> commit id -> applied
	scalars map[string]int64
	fail    bool
}

func newMockPersister() *mockPersister {
	return &mockPersister{
		applied: make(map[string]map[string]bool),
		scalars: make(map[string]int64),
	}
}

func (m *mockPersister) CommitBatch(_ context.Context, entries []persistence.CommitEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errMockPersisterFailing
	}
	for _, e := range entries {
		ids, ok := m.applied[e.Key]
		if !ok {
			ids = make(map[string]bool)
			m.applied[e.Key] = ids
		}
		if ids[e.CommitID] {
			continue
		}
		ids[e.CommitID] = true
		m.scalars[e.Key] -= e.Vector
	}
	return nil
}

func (m *mockPersister) scalar(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scalars[key]
}

func (m *mockPersister) setFail(v bool) {
	m.mu.Lock()
	m.fail = v
	m.mu.Unlock()
}

var errMockPersisterFailing = errors.New("mock persister: forced failure")

// NewMockModule builds a CommitSink over an in-process, dependency-free
// persister, for tests and a demo daemon run without any external
// store configured.
func NewMockModule(opts ...CommitSinkOption) *CommitSink {
	return NewCommitSink("mock", newMockPersister(), opts...)
}
