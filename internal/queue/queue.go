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

// Package queue implements the bounded message queue of §4.4: four
// container variants (DIRECT, FIXED_ARRAY, LINKED_LIST, DISK-assisted),
// flow-control watermarks, a lazily-started worker pool, and two-phase
// shutdown. The worker pool's Start/Stop/ticker shape is grounded on
// the teacher's internal/ratelimiter/core.Worker.
package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"ratelogd/internal/message"
	"ratelogd/internal/rserr"
	"ratelogd/internal/stats"
)

// Type selects the queue's backing container.
type Type int

const (
	Direct Type = iota
	FixedArray
	LinkedList
	Disk
)

// FlowClass is the caller's enqueue priority class (§4.4 step 2-3).
type FlowClass int

const (
	Regular FlowClass = iota
	LightDelay
	FullDelay
)

// Consumer processes one dequeued batch.
type Consumer func([]*message.Message)

// Config configures a Queue. Marks are expressed as absolute depths;
// zero disables the corresponding check.
type Config struct {
	Type Type

	Workers        int
	MinMsgsPerWrkr int // iMinMsgsPerWrkr: workers spun up lazily above this load
	DequeueBatchSize int

	MaxSize         int
	DiscardMark     int
	DiscardSeverity message.Severity
	LightDelayMark  int
	FullDelayMark   int

	// Disk-assist watermarks; HighWtrMark == 0 disables disk-assist.
	HighWtrMark int
	LowWtrMark  int
	StateDir    string
	FilePrefix  string
	MaxFileSize int64
	PersistUpdCnt int

	ToEnq         time.Duration
	ToQShutdown   time.Duration
	ToActShutdown time.Duration
	ToWrkShutdown time.Duration

	SaveOnShutdown bool
}

// Queue is the bounded queue described in §4.4.
type Queue struct {
	cfg      Config
	consumer Consumer

	mu        sync.Mutex
	mem       container
	depth     int // total items: mem.len() + (disk.Len() if diskActive)
	closed    bool
	diskActive bool
	disk      *diskQueue

	notFull    *gate
	notEmpty   *gate
	belowLight *gate
	belowFull  *gate

	stopChan      chan struct{}
	wg            sync.WaitGroup
	maxWorkers    int
	activeWorkers atomic.Int32

	obj           *stats.Object
	ctrEnqueued   atomic.Int64
	ctrDequeued   atomic.Int64
	ctrDiscarded  atomic.Int64
	ctrDiskSpilled atomic.Int64
}

// New constructs a Queue of the configured type and registers its
// depth/enqueued/dequeued/discarded counters under reg (if non-nil).
// DIRECT queues ignore MaxSize and Workers (§4.4 construction note).
func New(name string, cfg Config, consumer Consumer, reg *stats.Registry) (*Queue, error) {
	q := &Queue{
		cfg:        cfg,
		consumer:   consumer,
		notFull:    newGate(),
		notEmpty:   newGate(),
		belowLight: newGate(),
		belowFull:  newGate(),
		stopChan:   make(chan struct{}),
	}

	switch cfg.Type {
	case FixedArray:
		capacity := cfg.MaxSize
		if capacity <= 0 {
			capacity = 1024
		}
		q.mem = newFixedArrayContainer(capacity)
	case LinkedList, Direct:
		q.mem = newLinkedListContainer()
	case Disk:
		q.mem = newLinkedListContainer()
		dq, err := newDiskQueue(cfg.StateDir, cfg.FilePrefix, cfg.MaxFileSize, cfg.PersistUpdCnt)
		if err != nil {
			return nil, rserr.New(rserr.IOError, "queue.New", err)
		}
		q.disk = dq
		q.diskActive = true
	default:
		q.mem = newLinkedListContainer()
	}
	if cfg.Type != Disk && cfg.HighWtrMark > 0 {
		dq, err := newDiskQueue(cfg.StateDir, cfg.FilePrefix, cfg.MaxFileSize, cfg.PersistUpdCnt)
		if err != nil {
			return nil, rserr.New(rserr.IOError, "queue.New", err)
		}
		q.disk = dq
	}

	q.obj = stats.NewObject("queue", name)
	q.obj.CounterNew("enqueued", stats.IntCtr, stats.None, q.ctrEnqueued.Load)
	q.obj.CounterNew("dequeued", stats.IntCtr, stats.None, q.ctrDequeued.Load)
	q.obj.CounterNew("discarded", stats.IntCtr, stats.None, q.ctrDiscarded.Load)
	q.obj.CounterNew("disk_spilled", stats.IntCtr, stats.None, q.ctrDiskSpilled.Load)
	q.obj.CounterNew("depth", stats.Int, stats.None, func() int64 {
		q.mu.Lock()
		defer q.mu.Unlock()
		return int64(q.depth)
	})
	if reg != nil {
		reg.Register(q.obj)
	}

	if cfg.Type != Direct {
		q.startWorkers()
	}
	return q, nil
}

func (q *Queue) Object() *stats.Object { return q.obj }

// Depth returns the current total item count (memory + spilled disk).
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// Enqueue implements §4.4's 6-step enqueue algorithm. A non-zero
// cfg.ToEnq bounds every wait below; once it elapses, Enqueue stops
// waiting on flow-control gates and falls through to attempt insertion
// directly (discarding only if the hard capacity is still exceeded).
func (q *Queue) Enqueue(m *message.Message, flow FlowClass) rserr.Code {
	if q.cfg.Type == Direct {
		q.consumer([]*message.Message{m})
		q.ctrEnqueued.Add(1)
		q.ctrDequeued.Add(1)
		return rserr.OK
	}

	var deadline time.Time
	if q.cfg.ToEnq > 0 {
		deadline = time.Now().Add(q.cfg.ToEnq)
	}
	// timeLeft returns the remaining wait budget, or -1 once the
	// deadline (if any) has passed. A zero deadline means wait forever.
	timeLeft := func() time.Duration {
		if deadline.IsZero() {
			return 0
		}
		d := time.Until(deadline)
		if d <= 0 {
			return -1
		}
		return d
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return rserr.DiscardMsg
		}

		if q.cfg.DiscardMark > 0 && q.depth >= q.cfg.DiscardMark && int(m.Severity()) > int(q.cfg.DiscardSeverity) {
			q.ctrDiscarded.Add(1)
			q.mu.Unlock()
			return rserr.DiscardMsg
		}

		switch {
		case q.cfg.FullDelayMark > 0 && q.depth >= q.cfg.FullDelayMark && flow == FullDelay:
			q.mu.Unlock()
			if t := timeLeft(); t >= 0 {
				q.belowFull.wait(t)
				continue
			}
		case q.cfg.LightDelayMark > 0 && q.depth >= q.cfg.LightDelayMark && (flow == FullDelay || flow == LightDelay):
			q.mu.Unlock()
			if t := timeLeft(); t >= 0 {
				q.belowLight.wait(t)
				continue
			}
		default:
			q.mu.Unlock()
		}

		q.mu.Lock()
		if q.cfg.MaxSize > 0 && q.depth >= q.cfg.MaxSize {
			t := timeLeft()
			if t < 0 {
				q.ctrDiscarded.Add(1)
				q.mu.Unlock()
				return rserr.DiscardMsg
			}
			q.mu.Unlock()
			if !q.notFull.wait(t) {
				q.mu.Lock()
				q.ctrDiscarded.Add(1)
				q.mu.Unlock()
				return rserr.DiscardMsg
			}
			continue
		}

		// Insert. Route to disk if disk-assist has activated.
		if q.diskActive && q.disk != nil {
			rec, err := encodeMessage(m)
			if err == nil {
				if err := q.disk.Append(rec); err == nil {
					q.ctrDiskSpilled.Add(1)
				} else {
					q.mem.push(m)
				}
			} else {
				q.mem.push(m)
			}
		} else {
			q.mem.push(m)
		}
		q.depth++
		q.ctrEnqueued.Add(1)
		q.notEmpty.broadcast()

		if !q.diskActive && q.disk != nil && q.cfg.HighWtrMark > 0 && q.depth >= q.cfg.HighWtrMark {
			q.diskActive = true
		}
		q.mu.Unlock()
		return rserr.OK
	}
}

// dequeueBatch pulls up to DequeueBatchSize items, preferring memory
// (always strictly older than anything spilled after disk-assist
// activated) before draining disk.
func (q *Queue) dequeueBatch() []*message.Message {
	batchSize := q.cfg.DequeueBatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	q.mu.Lock()
	var batch []*message.Message
	for len(batch) < batchSize && q.mem.len() > 0 {
		batch = append(batch, q.mem.pop())
	}
	diskActive := q.diskActive
	disk := q.disk
	q.mu.Unlock()

	if len(batch) < batchSize && diskActive && disk != nil {
		for len(batch) < batchSize {
			rec, ok, err := disk.Pop()
			if err != nil || !ok {
				break
			}
			m, err := decodeMessage(rec)
			if err != nil {
				continue
			}
			batch = append(batch, m)
		}
	}

	if len(batch) > 0 {
		q.mu.Lock()
		q.depth -= len(batch)
		if q.depth < 0 {
			q.depth = 0
		}
		if q.diskActive && q.cfg.LowWtrMark > 0 && q.depth < q.cfg.LowWtrMark && q.disk.Len() == 0 {
			q.diskActive = false
		}
		d := q.depth
		q.mu.Unlock()

		q.notFull.broadcast()
		if q.cfg.FullDelayMark == 0 || d < q.cfg.FullDelayMark {
			q.belowFull.broadcast()
		}
		if q.cfg.LightDelayMark == 0 || d < q.cfg.LightDelayMark {
			q.belowLight.broadcast()
		}
		q.ctrDequeued.Add(int64(len(batch)))
	}
	return batch
}

// startWorkers launches a lazily-grown worker pool per §4.4 Construction:
// one floor worker starts immediately so the queue always drains, and
// when MinMsgsPerWrkr > 0 a scaler goroutine spins up additional workers
// (up to cfg.Workers) once depth reaches (activeWorkers+1)*MinMsgsPerWrkr.
// Workers beyond the floor shed themselves after a sustained idle period,
// so the pool tracks load instead of staying pinned at cfg.Workers from
// startup.
func (q *Queue) startWorkers() {
	max := q.cfg.Workers
	if max <= 0 {
		max = 1
	}
	q.maxWorkers = max
	q.spawnWorker(true)
	if q.cfg.MinMsgsPerWrkr > 0 && max > 1 {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.scaleLoop()
		}()
	}
}

// spawnWorker starts one worker goroutine. A floor worker never sheds
// itself on idle; elastic workers (spawned by scaleLoop) do.
func (q *Queue) spawnWorker(floor bool) {
	q.activeWorkers.Add(1)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.activeWorkers.Add(-1)
		q.workerLoop(floor)
	}()
}

// scaleLoop periodically compares depth/MinMsgsPerWrkr against the
// active worker count and spawns elastic workers to close the gap, up
// to maxWorkers. It never shrinks the pool directly; shrinking happens
// in workerLoop once an elastic worker has idled long enough.
func (q *Queue) scaleLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.mu.Lock()
			closed := q.closed
			q.mu.Unlock()
			if closed {
				continue
			}
			want := q.Depth() / q.cfg.MinMsgsPerWrkr
			if want > q.maxWorkers {
				want = q.maxWorkers
			}
			if want < 1 {
				want = 1
			}
			for int(q.activeWorkers.Load()) < want {
				q.spawnWorker(false)
			}
		case <-q.stopChan:
			return
		}
	}
}

func (q *Queue) workerLoop(floor bool) {
	idleRounds := 0
	for {
		batch := q.dequeueBatch()
		if len(batch) > 0 {
			idleRounds = 0
			q.consumer(batch)
			continue
		}
		select {
		case <-q.stopChan:
			// Final drain pass before exiting.
			if final := q.dequeueBatch(); len(final) > 0 {
				q.consumer(final)
			}
			return
		default:
			if q.notEmpty.wait(50 * time.Millisecond) {
				idleRounds = 0
				continue
			}
			idleRounds++
			// An elastic worker sheds itself after ~1s of no work so the
			// pool shrinks back down once a load spike subsides.
			if !floor && idleRounds >= 20 {
				return
			}
		}
	}
}

// Shutdown performs the two-phase shutdown of §4.4: phase 1
// (toQShutdown) lets workers keep draining while no longer accepting
// new feeders; phase 2 (toActShutdown) is the hard stop. Remaining
// messages are spilled to the disk-assist backing file if
// SaveOnShutdown and a disk queue is configured, else counted as lost.
func (q *Queue) Shutdown() (lost int) {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		close(q.stopChan)
		q.wg.Wait()
		close(done)
	}()

	phase1 := q.cfg.ToQShutdown
	phase2 := q.cfg.ToActShutdown
	select {
	case <-done:
	case <-time.After(phase1 + phase2):
	}

	q.mu.Lock()
	remaining := q.mem.len()
	var leftover []*message.Message
	for i := 0; i < remaining; i++ {
		leftover = append(leftover, q.mem.pop())
	}
	q.depth = 0
	q.mu.Unlock()

	if len(leftover) > 0 {
		if q.cfg.SaveOnShutdown && q.disk != nil {
			for _, m := range leftover {
				rec, err := encodeMessage(m)
				if err != nil {
					lost++
					continue
				}
				if err := q.disk.Append(rec); err != nil {
					lost++
				}
			}
		} else {
			lost = len(leftover)
		}
	}
	if q.disk != nil {
		_ = q.disk.Close()
	}
	return lost
}
