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
	"time"

	"ratelogd/internal/ratelimiter/persistence"
)

// NewRedisModule builds a CommitSink backed by a real go-redis/v9
// client (persistence.GoRedisEvaler). Every run of messages sharing a
// grouping key is committed as one idempotent HINCRBY against
// counter:<key>, guarded by a SETNX marker
// (persistence.RedisPersister), so a retried batch after a SUSPENDED
// result is a no-op rather than a double count.
func NewRedisModule(addr string, markerTTL time.Duration, opts ...CommitSinkOption) *CommitSink {
	evaler := persistence.NewGoRedisEvaler(addr)
	rp := persistence.NewRedisPersister(evaler, markerTTL)

	allOpts := append([]CommitSinkOption{
		WithHealthCheck(evaler.Ping),
		WithCloser(evaler.Close),
	}, opts...)
	return NewCommitSink("redis", rp, allOpts...)
}
