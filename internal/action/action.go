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

// Package action implements the output-side state machine described in
// §4.3: an Action pulls batches off its Queue and drives a Module
// (design note #2's capability interface) through begin/do/end
// transaction, with exponential-backoff suspension and retry on
// failure. There is no class hierarchy here, only the Module interface
// design note #2 calls for ("composition over inheritance") — each
// output wires its own Module and the state machine is entirely
// generic over it.
package action

import (
	"sync"
	"sync/atomic"
	"time"

	"ratelogd/internal/message"
	"ratelogd/internal/rserr"
)

// State is one of the action runtime's six states (§4.3).
type State int

const (
	StateReady State = iota
	StateInTx
	StateCommitting
	StateRetrying
	StateSuspended
	StateDied
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "RDY"
	case StateInTx:
		return "ITX"
	case StateCommitting:
		return "COMM"
	case StateRetrying:
		return "RTRY"
	case StateSuspended:
		return "SUSP"
	case StateDied:
		return "DIED"
	default:
		return "UNKNOWN"
	}
}

// Result is what a Module's DoAction call reports back for one batch
// element.
type Result int

const (
	ResultOK Result = iota
	ResultDeferCommit
	ResultPreviousCommitted
	ResultSuspended
	ResultOther
)

// ElemState is a batch element's lifecycle marker (§3's Batch data
// model): NEW (DoAction hasn't given it a terminal verdict yet),
// SUBMITTED (DEFER_COMMIT, awaiting this batch's EndTransaction or a
// later PREVIOUS_COMMITTED sweep), COMMITTED, or DISCARDED (a fatal
// per-element result; never retried).
type ElemState int

const (
	ElemNew ElemState = iota
	ElemSubmitted
	ElemCommitted
	ElemDiscarded
)

// Module is the capability interface design note #2 prescribes in
// place of a base class for output variants: every concrete output
// (redis, kafka, postgres, a file sink) implements this and the action
// runtime dispatches to it vtable-style.
//
// DoAction returns one Result per element of batch, in the same order
// (§3: "each batch element carries a per-element state ... so the
// action runtime can retry exactly the elements that failed"). A
// module that cannot produce any per-element verdict at all (e.g. it
// never got a connection) should return a nil/short slice; the runtime
// then treats the entire batch as not-yet-committed.
type Module interface {
	BeginTransaction() error
	DoAction(batch []*message.Message) ([]Result, error)
	EndTransaction() error
	TryResume() error
	DoHUP()
	DestructInstance()
	IsCompatibleWithFeature(feature string) bool
}

// Config tunes suspension backoff and retry bookkeeping.
type Config struct {
	// ResumeIntervalMin is the first suspension sleep; it doubles on
	// each consecutive failed resume attempt up to ResumeIntervalMax.
	ResumeIntervalMin time.Duration
	ResumeIntervalMax time.Duration
	// ResumeRetryCount bounds consecutive failed resume attempts
	// before the action moves from SUSP to DIED. -1 means retry
	// forever.
	ResumeRetryCount int
}

func (c *Config) setDefaults() {
	if c.ResumeIntervalMin <= 0 {
		c.ResumeIntervalMin = time.Second
	}
	if c.ResumeIntervalMax <= 0 {
		c.ResumeIntervalMax = 2 * time.Minute
	}
	if c.ResumeRetryCount == 0 {
		c.ResumeRetryCount = -1
	}
}

// Counters holds the failure-accounting bookkeeping §4.3 asks for,
// exposed as atomics so a stats.Object can read them without a lock.
type Counters struct {
	Processed       atomic.Int64
	Failed          atomic.Int64
	Suspended       atomic.Int64
	Resumed         atomic.Int64
	SuspendDuration atomic.Int64 // nanoseconds, cumulative
}

// wrkrData is the per-worker bookkeeping entry in wrkrDataTable, kept
// so a crashed or suspended worker's identity and retry state survive
// across processBatch calls without being threaded through call
// signatures.
type wrkrData struct {
	id           int
	consecFailed int
	lastErr      error
}

// Action drives one Module through the state machine. A queue.Queue
// calls it once per dequeued batch through the func([]*message.Message)
// that Consumer returns, which forwards to Process with a worker slot.
type Action struct {
	name   string
	module Module
	cfg    Config

	mu    sync.Mutex
	state State

	resumeRetryCount int
	nextResumeWait   time.Duration
	suspendedSince   time.Time

	mutWrkrDataTable sync.Mutex
	wrkrDataTable    map[int]*wrkrData
	numWorkers       int
	nextWorker       atomic.Int64

	Counters Counters
}

// New constructs an Action in state RDY. workers should match the
// owning queue's Config.Workers; it only sizes the wrkrDataTable
// round-robin and need not be exact.
func New(name string, module Module, workers int, cfg Config) *Action {
	cfg.setDefaults()
	if workers <= 0 {
		workers = 1
	}
	return &Action{
		name:          name,
		module:        module,
		cfg:           cfg,
		state:         StateReady,
		wrkrDataTable: make(map[int]*wrkrData),
		numWorkers:    workers,
	}
}

func (a *Action) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Consumer returns a func([]*message.Message) suitable for
// queue.Config's Consumer field. The queue's worker pool shares one
// Consumer value across all of its goroutines, so slots in
// wrkrDataTable are handed out round-robin per call rather than tied
// to OS-thread identity; that is enough to keep a retrying worker's
// consecutive-failure count from being clobbered by an unrelated
// worker's success in between calls.
func (a *Action) Consumer() func([]*message.Message) {
	return func(batch []*message.Message) {
		slot := int(a.nextWorker.Add(1)-1) % a.numWorkers
		a.Process(slot, batch)
	}
}

// Process implements the per-batch half of queue.Consumer: it is called once per dequeued
// batch by one of the queue's worker goroutines. workerID identifies
// the calling worker for wrkrDataTable bookkeeping; queue workers are
// numbered 0..Workers-1 so callers typically close over their own
// index when constructing the Consumer func passed to queue.New.
func (a *Action) Process(workerID int, batch []*message.Message) {
	if len(batch) == 0 {
		return
	}

	a.mu.Lock()
	if a.state == StateDied {
		a.mu.Unlock()
		a.Counters.Failed.Add(int64(len(batch)))
		return
	}
	if a.state == StateSuspended {
		wait := a.timeToResume()
		a.mu.Unlock()
		if wait > 0 {
			time.Sleep(wait)
		}
		if !a.attemptResume() {
			a.Counters.Failed.Add(int64(len(batch)))
			return
		}
		a.mu.Lock()
	}
	a.state = StateInTx
	a.mu.Unlock()

	wd := a.workerData(workerID)

	outcome, err := a.processBatch(batch)
	switch outcome {
	case outcomeReady:
		wd.consecFailed = 0
		a.setState(StateReady)
	default:
		wd.consecFailed++
		wd.lastErr = err
		a.enterSuspend()
	}
}

// batchOutcome is the action-level verdict Process acts on once
// processBatch has walked a batch's per-element Results: whether the
// action returns to RDY or enters SUSP. Per-element commit/discard
// bookkeeping happens inside processBatch, so a partial failure only
// leaves the elements that actually failed uncommitted instead of the
// whole batch.
type batchOutcome int

const (
	outcomeReady batchOutcome = iota
	outcomeSuspended
)

// processBatch runs one begin/do/end transaction cycle (§4.3) and
// applies each element's Result to an ElemState so only a genuinely
// fatal (DISCARDED) or still-outstanding (SUBMITTED/NEW) element
// escapes being COMMITTED, instead of one aggregate verdict deciding
// the whole batch's fate.
func (a *Action) processBatch(batch []*message.Message) (batchOutcome, error) {
	if err := a.module.BeginTransaction(); err != nil {
		return outcomeSuspended, err
	}

	results, doErr := a.module.DoAction(batch)
	if len(results) == 0 {
		// No per-element verdict at all: treat the whole batch as
		// not-yet-committed and let the caller retry it entire.
		return outcomeSuspended, doErr
	}

	states := make([]ElemState, len(batch))
	suspendedAny := false
	for i := range batch {
		r := ResultOther
		if i < len(results) {
			r = results[i]
		}
		switch r {
		case ResultOK:
			states[i] = ElemCommitted
		case ResultDeferCommit:
			states[i] = ElemSubmitted
		case ResultPreviousCommitted:
			// All prior SUBMITTED elements become COMMITTED; the
			// current element remains SUBMITTED.
			for j := 0; j < i; j++ {
				if states[j] == ElemSubmitted {
					states[j] = ElemCommitted
				}
			}
			states[i] = ElemSubmitted
		case ResultSuspended:
			suspendedAny = true
		default:
			states[i] = ElemDiscarded
		}
	}

	if !suspendedAny {
		a.setState(StateCommitting)
		if err := a.module.EndTransaction(); err != nil {
			return outcomeSuspended, err
		}
		for i, st := range states {
			if st == ElemSubmitted {
				states[i] = ElemCommitted
			}
		}
	}

	var committed, discarded int64
	for _, st := range states {
		switch st {
		case ElemCommitted:
			committed++
		case ElemDiscarded:
			discarded++
		}
	}
	a.Counters.Processed.Add(committed)
	a.Counters.Failed.Add(discarded)

	if suspendedAny {
		return outcomeSuspended, doErr
	}
	return outcomeReady, doErr
}

// enterSuspend moves the action to SUSP and arms (or re-arms) the
// exponential backoff described in §4.3: ttResumeRetry starts at
// ResumeIntervalMin and doubles up to ResumeIntervalMax on each
// consecutive failure.
func (a *Action) enterSuspend() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateSuspended {
		a.suspendedSince = time.Now()
		a.nextResumeWait = a.cfg.ResumeIntervalMin
		a.Counters.Suspended.Add(1)
	} else {
		a.nextResumeWait *= 2
		if a.nextResumeWait > a.cfg.ResumeIntervalMax {
			a.nextResumeWait = a.cfg.ResumeIntervalMax
		}
	}
	a.state = StateRetrying
	a.resumeRetryCount++

	if a.cfg.ResumeRetryCount >= 0 && a.resumeRetryCount > a.cfg.ResumeRetryCount {
		a.state = StateDied
		a.Counters.SuspendDuration.Add(int64(time.Since(a.suspendedSince)))
		return
	}
	a.state = StateSuspended
}

// timeToResume returns how long the caller should sleep before the
// next tryResume attempt; it does not itself block, so the caller can
// release a.mu first.
func (a *Action) timeToResume() time.Duration {
	if a.nextResumeWait <= 0 {
		return a.cfg.ResumeIntervalMin
	}
	return a.nextResumeWait
}

// attemptResume calls the module's TryResume and updates state/counters
// accordingly. Returns true if the action is now ready to process.
func (a *Action) attemptResume() bool {
	err := a.module.TryResume()
	a.mu.Lock()
	defer a.mu.Unlock()

	if err == nil {
		a.Counters.SuspendDuration.Add(int64(time.Since(a.suspendedSince)))
		a.Counters.Resumed.Add(1)
		a.resumeRetryCount = 0
		a.state = StateReady
		return true
	}

	a.resumeRetryCount++
	if a.cfg.ResumeRetryCount >= 0 && a.resumeRetryCount > a.cfg.ResumeRetryCount {
		a.state = StateDied
		a.Counters.SuspendDuration.Add(int64(time.Since(a.suspendedSince)))
		return false
	}
	a.nextResumeWait *= 2
	if a.nextResumeWait > a.cfg.ResumeIntervalMax {
		a.nextResumeWait = a.cfg.ResumeIntervalMax
	}
	a.state = StateSuspended
	return false
}

func (a *Action) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Action) workerData(id int) *wrkrData {
	a.mutWrkrDataTable.Lock()
	defer a.mutWrkrDataTable.Unlock()
	wd, ok := a.wrkrDataTable[id]
	if !ok {
		wd = &wrkrData{id: id}
		a.wrkrDataTable[id] = wd
	}
	return wd
}

// DoHUP forwards a configuration-reload signal to the module without
// restarting the action's queue, per §7's "SIGHUP ... never restarts
// queues".
func (a *Action) DoHUP() {
	a.module.DoHUP()
}

// Destruct releases the module and marks the action DIED so no further
// batch is dispatched to it.
func (a *Action) Destruct() {
	a.setState(StateDied)
	a.module.DestructInstance()
}

// RserrFor maps a Result/err pair to the lifecycle code a caller
// outside the hot path (e.g. an internal-message emitter) may want to
// log, matching §7's "hot path errors collapse to admit/drop/suspend"
// while still giving config/lifecycle code something structured to
// report if it wants to.
func RserrFor(r Result, err error) rserr.Code {
	switch r {
	case ResultOK, ResultDeferCommit, ResultPreviousCommitted:
		return rserr.OK
	case ResultSuspended:
		return rserr.Suspended
	default:
		if err != nil {
			return rserr.IOError
		}
		return rserr.OK
	}
}
