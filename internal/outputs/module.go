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

// Package outputs provides the concrete action.Module implementations
// (§4.3's capability interface, design note #2) that back a configured
// action: redis, kafka, postgres and two dependency-free variants
// (file, mock) for tests and a development daemon. All but file wrap
// one of internal/ratelimiter/persistence's idempotent CommitBatch
// adapters (mock wraps an in-memory one; file writes JSON lines itself),
// reusing the teacher's idempotency-marker pattern but repurposed from
// VSA quota commits to per-source message-volume counters: a batch is
// grouped by its messages' grouping key (hostname by default) and each
// group is committed as one CommitEntry whose Vector is the number of
// messages absorbed for that key, so a downstream Redis/Kafka/Postgres
// store accumulates "messages delivered per source" rather than raw
// payloads — the same commit_id/marker idempotency the teacher's
// adapters already provide makes a retried batch a no-op.
package outputs

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"time"

	"ratelogd/internal/action"
	"ratelogd/internal/message"
	"ratelogd/internal/ratelimiter/persistence"
)

// KeyFunc groups a message into the logical counter key a CommitSink
// commits deltas against. Hostname is the common case; an action
// configured per source address or per app name supplies its own.
type KeyFunc func(*message.Message) string

// ByHostname is the default KeyFunc.
func ByHostname(m *message.Message) string { return m.Hostname() }

// CommitSink adapts a persistence.IdempotentPersister into an
// action.Module. It never inspects message bodies beyond grouping: the
// durable side effect is a count, not a copy of the log stream, which
// keeps it a bounded-size relay sink no matter how large the batches
// flowing through it are.
type CommitSink struct {
	name      string
	persister persistence.IdempotentPersister
	keyFunc   KeyFunc
	timeout   time.Duration

	healthCheck func(context.Context) error
	closer      func() error
	onHUP       func()
}

// CommitSinkOption configures optional behavior on top of the required
// persister.
type CommitSinkOption func(*CommitSink)

// WithKeyFunc overrides the default per-hostname grouping.
func WithKeyFunc(f KeyFunc) CommitSinkOption {
	return func(s *CommitSink) { s.keyFunc = f }
}

// WithTimeout bounds each CommitBatch call; default is 10s, matching
// the teacher's persister defaultTimeout fields.
func WithTimeout(d time.Duration) CommitSinkOption {
	return func(s *CommitSink) { s.timeout = d }
}

// WithHealthCheck installs the probe TryResume uses to decide whether a
// suspended action may come back to RDY.
func WithHealthCheck(f func(context.Context) error) CommitSinkOption {
	return func(s *CommitSink) { s.healthCheck = f }
}

// WithCloser installs a cleanup hook run by DestructInstance (e.g. a
// Redis client's Close, or a *sql.DB's Close).
func WithCloser(f func() error) CommitSinkOption {
	return func(s *CommitSink) { s.closer = f }
}

// WithHUP installs a hook run by DoHUP, e.g. to pick up a changed topic
// or table name from reloaded configuration without restarting the
// action's queue (§7).
func WithHUP(f func()) CommitSinkOption {
	return func(s *CommitSink) { s.onHUP = f }
}

// NewCommitSink wraps persister as an action.Module named name.
func NewCommitSink(name string, persister persistence.IdempotentPersister, opts ...CommitSinkOption) *CommitSink {
	s := &CommitSink{
		name:      name,
		persister: persister,
		keyFunc:   ByHostname,
		timeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ action.Module = (*CommitSink)(nil)

// BeginTransaction is a no-op: each persister already applies its
// batch atomically internally (a Redis EVAL, a Postgres tx, a Kafka
// produce loop).
func (s *CommitSink) BeginTransaction() error { return nil }

func (s *CommitSink) EndTransaction() error { return nil }

// DoAction groups batch by key, builds one idempotent CommitEntry per
// group and forwards them in a single CommitBatch call. The underlying
// CommitBatch is one atomic operation across every group, so unlike
// FileModule a CommitSink cannot distinguish per-element outcomes: all
// elements share the same verdict, reported as one Result per batch
// element so the runtime can still walk the batch uniformly. A
// persister error is treated as transient (§4.3's SUSPENDED path)
// since all three backends (Redis, Kafka, Postgres) fail this way on a
// connectivity blip rather than a permanent rejection.
func (s *CommitSink) DoAction(batch []*message.Message) ([]action.Result, error) {
	results := make([]action.Result, len(batch))
	if len(batch) == 0 {
		return results, nil
	}

	counts := make(map[string]int64)
	order := make([]string, 0, len(batch))
	h := fnv.New64a()
	for _, m := range batch {
		key := s.keyFunc(m)
		if _, seen := counts[key]; !seen {
			order = append(order, key)
		}
		counts[key]++
		h.Write(m.Raw())
		h.Write([]byte{0})
	}

	entries := make([]persistence.CommitEntry, 0, len(order))
	for _, key := range order {
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], h.Sum64())
		commitID := fmt.Sprintf("%s:%x:%d", key, seq, counts[key])
		entries = append(entries, persistence.CommitEntry{
			Key:      key,
			Vector:   counts[key],
			CommitID: commitID,
		})
	}

	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.persister.CommitBatch(ctx, entries); err != nil {
		for i := range results {
			results[i] = action.ResultSuspended
		}
		return results, fmt.Errorf("%s: commit batch: %w", s.name, err)
	}
	for i := range results {
		results[i] = action.ResultOK
	}
	return results, nil
}

// TryResume runs the installed health check, or succeeds immediately
// if none was configured.
func (s *CommitSink) TryResume() error {
	if s.healthCheck == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.healthCheck(ctx)
}

func (s *CommitSink) DoHUP() {
	if s.onHUP != nil {
		s.onHUP()
	}
}

func (s *CommitSink) DestructInstance() {
	if s.closer != nil {
		_ = s.closer()
	}
}

// IsCompatibleWithFeature reports support for the two hot-path
// features an action can be asked about: batching (all CommitSink
// variants batch by construction) and repeat-processed (they see
// already repeat-compressed summaries same as any other message, no
// special handling needed).
func (s *CommitSink) IsCompatibleWithFeature(feature string) bool {
	switch feature {
	case "batching", "repeat-processed":
		return true
	default:
		return false
	}
}
