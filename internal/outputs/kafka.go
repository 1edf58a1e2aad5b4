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

import "ratelogd/internal/ratelimiter/persistence"

// NewKafkaModule builds a CommitSink over persistence.KafkaPersister.
// The pack carries no ecosystem Kafka client (see DESIGN.md), so the
// teacher's own choice to depend only on a minimal Producer interface
// is kept as-is: pass a persistence.LoggingKafkaProducer for a
// dependency-free dev build, or any type satisfying
// persistence.KafkaProducer for a real broker.
func NewKafkaModule(producer persistence.KafkaProducer, topic string, opts ...CommitSinkOption) *CommitSink {
	kp := persistence.NewKafkaPersister(producer, topic)
	return NewCommitSink("kafka", kp, opts...)
}
