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
	"database/sql"

	"ratelogd/internal/ratelimiter/persistence"
)

// NewPostgresModule builds a CommitSink over persistence.PostgresPersister.
// db is expected to already have a driver registered by the caller
// (the pack carries no third-party postgres driver; see DESIGN.md), so
// this module speaks only database/sql against whatever *sql.DB it is
// handed.
func NewPostgresModule(db *sql.DB, createMissingKeys bool, opts ...CommitSinkOption) *CommitSink {
	pp := persistence.NewPostgresPersister(db, createMissingKeys)
	allOpts := append([]CommitSinkOption{
		WithHealthCheck(db.PingContext),
		WithCloser(db.Close),
	}, opts...)
	return NewCommitSink("postgres", pp, allOpts...)
}
