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
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ratelogd/internal/action"
	"ratelogd/internal/message"
)

func newOMsg(hostname, body string) *message.Message {
	return message.New([]byte(body), message.SeverityInfo, 1, "10.0.0.1", "src", hostname, "app", "1", time.Now())
}

func TestMockModuleCommitsOncePerKeyGroup(t *testing.T) {
	mp := newMockPersister()
	sink := NewCommitSink("mock", mp)

	batch := []*message.Message{
		newOMsg("hostA", "m1"),
		newOMsg("hostA", "m2"),
		newOMsg("hostB", "m3"),
	}

	results, err := sink.DoAction(batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != len(batch) {
		t.Fatalf("expected %d results, got %d", len(batch), len(results))
	}
	for i, r := range results {
		if r != action.ResultOK {
			t.Fatalf("result[%d] = %v, want ResultOK", i, r)
		}
	}
	if got := mp.scalar("hostA"); got != -2 {
		t.Fatalf("expected hostA scalar -2 (2 messages), got %d", got)
	}
	if got := mp.scalar("hostB"); got != -1 {
		t.Fatalf("expected hostB scalar -1 (1 message), got %d", got)
	}
}

func TestMockModuleRetryIsIdempotent(t *testing.T) {
	mp := newMockPersister()
	sink := NewCommitSink("mock", mp)
	batch := []*message.Message{newOMsg("hostA", "m1")}

	if _, err := sink.DoAction(batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Re-deliver the identical batch (the action runtime's retry path
	// after a transient failure elsewhere in the pipeline): the
	// commit ID is a deterministic hash of the batch contents, so this
	// must not double the scalar.
	if _, err := sink.DoAction(batch); err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if got := mp.scalar("hostA"); got != -1 {
		t.Fatalf("expected retry to be a no-op, scalar still -1, got %d", got)
	}
}

func TestMockModuleFailureReturnsSuspended(t *testing.T) {
	mp := newMockPersister()
	mp.setFail(true)
	sink := NewCommitSink("mock", mp)

	results, err := sink.DoAction([]*message.Message{newOMsg("hostA", "m1")})
	if err == nil {
		t.Fatal("expected an error from a failing persister")
	}
	if len(results) != 1 || results[0] != action.ResultSuspended {
		t.Fatalf("expected [ResultSuspended], got %v", results)
	}
}

func TestFileModuleWritesOneJSONLinePerMessage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")
	mod, err := NewFileModule(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	batch := []*message.Message{newOMsg("hostA", "m1"), newOMsg("hostA", "m2")}
	if _, err := mod.DoAction(batch); err != nil {
		t.Fatalf("unexpected DoAction error: %v", err)
	}
	if err := mod.EndTransaction(); err != nil {
		t.Fatalf("unexpected EndTransaction error: %v", err)
	}
	mod.DestructInstance()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("unexpected error opening output: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var lines int
	for scanner.Scan() {
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}
}

// TestFileModuleDoActionReportsOneResultPerElement guards against
// DoAction collapsing a batch into one aggregate verdict: every
// message that reaches the file must get its own ResultOK, not a
// single summary value for the whole batch.
func TestFileModuleDoActionReportsOneResultPerElement(t *testing.T) {
	dir := t.TempDir()
	mod, err := NewFileModule(filepath.Join(dir, "out.jsonl"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer mod.DestructInstance()

	batch := []*message.Message{
		newOMsg("hostA", "m1"),
		newOMsg("hostA", "m2"),
		newOMsg("hostB", "m3"),
	}
	results, err := mod.DoAction(batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != len(batch) {
		t.Fatalf("expected %d results, got %d", len(batch), len(results))
	}
	for i, r := range results {
		if r != action.ResultOK {
			t.Fatalf("result[%d] = %v, want ResultOK", i, r)
		}
	}
}

func TestNewMockModuleSatisfiesActionModule(t *testing.T) {
	var _ action.Module = NewMockModule()
}
