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

package action

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ratelogd/internal/message"
	"ratelogd/internal/rserr"
)

func newAMsg(body string) *message.Message {
	return message.New([]byte(body), message.SeverityInfo, 1, "10.0.0.1", "src", "host", "app", "1", time.Now())
}

// scriptedModule lets a test drive exact DoAction results/errors in
// sequence and records lifecycle calls for assertions.
type scriptedModule struct {
	results []Result
	errs    []error
	idx     atomic.Int64

	begins    atomic.Int64
	ends      atomic.Int64
	resumes   atomic.Int64
	resumeErr error
	hups      atomic.Int64
	destructs atomic.Int64
}

func (m *scriptedModule) BeginTransaction() error { m.begins.Add(1); return nil }

// DoAction is scripted per-call, not per-element: call index i selects
// m.results[i]/m.errs[i] and that single verdict is applied to every
// element of batch, which is enough for tests that exercise one
// message per batch while still matching the per-element signature.
func (m *scriptedModule) DoAction(batch []*message.Message) ([]Result, error) {
	i := m.idx.Add(1) - 1
	result := ResultOK
	var err error
	if int(i) < len(m.results) {
		result = m.results[i]
	}
	if int(i) < len(m.errs) {
		err = m.errs[i]
	}
	out := make([]Result, len(batch))
	for j := range out {
		out[j] = result
	}
	return out, err
}

func (m *scriptedModule) EndTransaction() error { m.ends.Add(1); return nil }
func (m *scriptedModule) TryResume() error      { m.resumes.Add(1); return m.resumeErr }
func (m *scriptedModule) DoHUP()                { m.hups.Add(1) }
func (m *scriptedModule) DestructInstance()     { m.destructs.Add(1) }
func (m *scriptedModule) IsCompatibleWithFeature(string) bool { return true }

func TestProcessOKAdvancesToReadyAndCountsProcessed(t *testing.T) {
	mod := &scriptedModule{results: []Result{ResultOK}}
	a := New("test", mod, 1, Config{})

	a.Process(0, []*message.Message{newAMsg("x")})

	if got := a.State(); got != StateReady {
		t.Fatalf("expected RDY, got %v", got)
	}
	if mod.begins.Load() != 1 || mod.ends.Load() != 1 {
		t.Fatalf("expected one begin/end transaction pair, got begins=%d ends=%d", mod.begins.Load(), mod.ends.Load())
	}
	if a.Counters.Processed.Load() != 1 {
		t.Fatalf("expected Processed=1, got %d", a.Counters.Processed.Load())
	}
	if a.Counters.Failed.Load() != 0 {
		t.Fatalf("expected Failed=0, got %d", a.Counters.Failed.Load())
	}
}

// TestSuspendThenResumeRetriesUntilSuccess exercises property 6
// (at-least-once delivery): a batch that suspends is retried on the
// next Process call against the same Action and eventually succeeds
// once the module's TryResume stops erroring.
func TestSuspendThenResumeRetriesUntilSuccess(t *testing.T) {
	mod := &scriptedModule{
		results: []Result{ResultSuspended},
		errs:    []error{errors.New("downstream unavailable")},
	}
	a := New("test", mod, 1, Config{ResumeIntervalMin: time.Millisecond, ResumeIntervalMax: 5 * time.Millisecond})

	batch := []*message.Message{newAMsg("x")}
	a.Process(0, batch)
	if got := a.State(); got != StateSuspended {
		t.Fatalf("expected SUSP after a suspended result, got %v", got)
	}
	if a.Counters.Suspended.Load() != 1 {
		t.Fatalf("expected Suspended=1, got %d", a.Counters.Suspended.Load())
	}

	// Resume succeeds now; next Process call should drive the action
	// back to RDY and the batch through to completion.
	mod.resumeErr = nil
	a.Process(0, batch)
	if got := a.State(); got != StateReady {
		t.Fatalf("expected RDY after successful resume+process, got %v", got)
	}
	if a.Counters.Resumed.Load() != 1 {
		t.Fatalf("expected Resumed=1, got %d", a.Counters.Resumed.Load())
	}
	if a.Counters.Processed.Load() != 1 {
		t.Fatalf("expected Processed=1 (the post-resume batch), got %d", a.Counters.Processed.Load())
	}
}

// TestResumeRetryExhaustionDies verifies an action that never recovers
// moves from SUSP to DIED once resumeRetryCount is exhausted, and that
// a DIED action counts further batches as failed without dispatching
// to the module.
func TestResumeRetryExhaustionDies(t *testing.T) {
	mod := &scriptedModule{
		results:   []Result{ResultSuspended},
		errs:      []error{errors.New("downstream unavailable")},
		resumeErr: errors.New("still down"),
	}
	a := New("test", mod, 1, Config{
		ResumeIntervalMin: time.Millisecond,
		ResumeIntervalMax: 2 * time.Millisecond,
		ResumeRetryCount:  2,
	})

	batch := []*message.Message{newAMsg("x")}
	a.Process(0, batch) // first suspend
	for i := 0; i < 3 && a.State() != StateDied; i++ {
		a.Process(0, batch) // each call attempts one resume
	}
	if got := a.State(); got != StateDied {
		t.Fatalf("expected DIED after exhausting resume retries, got %v", got)
	}

	begins := mod.begins.Load()
	a.Process(0, batch)
	if mod.begins.Load() != begins {
		t.Fatalf("expected DIED action to skip dispatching to module")
	}
	if a.Counters.Failed.Load() == 0 {
		t.Fatalf("expected DIED action to count the batch as failed")
	}
}

func TestDeferCommitCountsAsProcessedNotFailed(t *testing.T) {
	mod := &scriptedModule{results: []Result{ResultDeferCommit}}
	a := New("test", mod, 1, Config{})
	a.Process(0, []*message.Message{newAMsg("x")})

	if a.Counters.Processed.Load() != 1 {
		t.Fatalf("expected DEFER_COMMIT to count as processed, got %d", a.Counters.Processed.Load())
	}
	if a.Counters.Failed.Load() != 0 {
		t.Fatalf("expected DEFER_COMMIT not to count as failed, got %d", a.Counters.Failed.Load())
	}
}

// elemResultsModule returns a distinct Result per batch element,
// letting a test drive a genuine partial-batch failure instead of one
// aggregate verdict for the whole call.
type elemResultsModule struct {
	perElement []Result
	ends       atomic.Int64
}

func (m *elemResultsModule) BeginTransaction() error { return nil }
func (m *elemResultsModule) DoAction(batch []*message.Message) ([]Result, error) {
	return m.perElement, nil
}
func (m *elemResultsModule) EndTransaction() error               { m.ends.Add(1); return nil }
func (m *elemResultsModule) TryResume() error                    { return nil }
func (m *elemResultsModule) DoHUP()                              {}
func (m *elemResultsModule) DestructInstance()                   {}
func (m *elemResultsModule) IsCompatibleWithFeature(string) bool { return true }

// TestPartialBatchFailureOnlyDiscardsFailedElement reproduces the
// batch data model's per-element retry granularity (§3, §4.3): a
// batch where only one of several elements comes back with a fatal
// Result must count the rest as processed rather than failing the
// whole batch.
func TestPartialBatchFailureOnlyDiscardsFailedElement(t *testing.T) {
	mod := &elemResultsModule{perElement: []Result{ResultOK, ResultOther, ResultOK}}
	a := New("test", mod, 1, Config{})

	batch := []*message.Message{newAMsg("a"), newAMsg("b"), newAMsg("c")}
	a.Process(0, batch)

	if got := a.State(); got != StateReady {
		t.Fatalf("expected RDY after a partial, non-suspending failure, got %v", got)
	}
	if a.Counters.Processed.Load() != 2 {
		t.Fatalf("expected 2 elements processed, got %d", a.Counters.Processed.Load())
	}
	if a.Counters.Failed.Load() != 1 {
		t.Fatalf("expected 1 element failed, got %d", a.Counters.Failed.Load())
	}
	if mod.ends.Load() != 1 {
		t.Fatalf("expected EndTransaction to still run for the surviving elements, got %d", mod.ends.Load())
	}
}

func TestConsumerRoundRobinsWorkerSlots(t *testing.T) {
	mod := &scriptedModule{results: []Result{ResultOK, ResultOK, ResultOK}}
	a := New("test", mod, 2, Config{})
	consume := a.Consumer()

	for i := 0; i < 3; i++ {
		consume([]*message.Message{newAMsg("x")})
	}
	a.mutWrkrDataTable.Lock()
	n := len(a.wrkrDataTable)
	a.mutWrkrDataTable.Unlock()
	if n == 0 || n > 2 {
		t.Fatalf("expected between 1 and 2 worker slots touched, got %d", n)
	}
}

func TestDoHUPForwardsToModuleWithoutChangingState(t *testing.T) {
	mod := &scriptedModule{}
	a := New("test", mod, 1, Config{})
	a.DoHUP()
	if mod.hups.Load() != 1 {
		t.Fatalf("expected DoHUP to reach module once, got %d", mod.hups.Load())
	}
	if a.State() != StateReady {
		t.Fatalf("expected HUP not to change action state, got %v", a.State())
	}
}

func TestRserrForMapsResultsToLifecycleCodes(t *testing.T) {
	if got := RserrFor(ResultOK, nil); got != rserr.OK {
		t.Fatalf("expected OK, got %v", got)
	}
	if got := RserrFor(ResultSuspended, errors.New("down")); got != rserr.Suspended {
		t.Fatalf("expected Suspended, got %v", got)
	}
	if got := RserrFor(ResultOther, errors.New("boom")); got != rserr.IOError {
		t.Fatalf("expected IOError, got %v", got)
	}
}

func TestDestructMarksDiedAndReleasesModule(t *testing.T) {
	mod := &scriptedModule{}
	a := New("test", mod, 1, Config{})
	a.Destruct()
	if a.State() != StateDied {
		t.Fatalf("expected DIED after Destruct, got %v", a.State())
	}
	if mod.destructs.Load() != 1 {
		t.Fatalf("expected DestructInstance to be called once, got %d", mod.destructs.Load())
	}
}
