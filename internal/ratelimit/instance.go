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

package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"ratelogd/internal/message"
	"ratelogd/internal/rserr"
	"ratelogd/internal/stats"
	"ratelogd/pkg/accumulator"
)

const repeatBodyCap = 800

// reduceRepeated is the runtime-global "reduce repeat messages" switch
// (§4.2's "Repeat compression. Active only when the runtime global
// 'reduce repeat messages' is on").
var reduceRepeated atomic.Bool

// SetReduceRepeated flips the process-wide repeat-compression switch.
func SetReduceRepeated(b bool) { reduceRepeated.Store(b) }

// Instance is a per-input ratelimit handle (§3's `ratelimit` type). It
// may own its policy (standalone) or share one registered elsewhere.
// The global token bucket is backed by pkg/accumulator: a single
// Accumulator is allocated once (burst rarely changes after a policy
// is loaded) and each window rollover calls Reset in place rather than
// Close+New, so a live bucket under steady traffic never pays the
// stripe-slice allocation more than once. A single-owner Instance has
// no cross-goroutine contention on its bucket, so it is built with
// Stripes: 1 and a FastPathGuard sized to a quarter of burst, enough
// to keep the common "plenty of headroom left" case lock-free without
// over-provisioning stripes an uncontended bucket will never use.
type Instance struct {
	policy       *SharedPolicy
	threadSafe   bool
	noTimeCache  bool

	mu    sync.Mutex // guards bucket fields when threadSafe
	begin int64      // bucket start, unix seconds
	acc   *accumulator.Accumulator
	missed int64

	// repeat compression state
	nsupp      int64
	pendingMsg *message.Message

	obj        *stats.Object
	ctrMissed  atomic.Int64
	ctrAllowed atomic.Int64
}

// New creates a standalone or policy-sharing Instance and registers its
// allowed/missed counters under reg (if non-nil).
func New(policy *SharedPolicy, threadSafe bool, reg *stats.Registry) *Instance {
	i := &Instance{policy: policy, threadSafe: threadSafe}
	i.obj = stats.NewObject("ratelimit", policy.Name())
	i.obj.CounterNew("allowed", stats.IntCtr, stats.None, i.ctrAllowed.Load)
	i.obj.CounterNew("missed", stats.IntCtr, stats.None, i.ctrMissed.Load)
	if reg != nil {
		reg.Register(i.obj)
	}
	return i
}

// Object exposes the registered reporting Object so callers can
// Unregister it on destruct.
func (i *Instance) Object() *stats.Object { return i.obj }

// Policy returns the underlying shared policy (non-owning reference).
func (i *Instance) Policy() *SharedPolicy { return i.policy }

// now resolves the time source: the message's timestamp unless
// noTimeCache is set, in which case the wall clock is used, per §4.2.
func (i *Instance) now(m *message.Message) int64 {
	if i.noTimeCache {
		return time.Now().Unix()
	}
	return m.OriginalAt().Unix()
}

// Msg implements the full classification path: token bucket check, then
// repeat compression. On success, repeatOut may be set to a synthesized
// "message repeated N times" summary the caller must enqueue *before*
// msg, preserving order per the ordering guarantee in §5.
func (i *Instance) Msg(m *message.Message) (repeatOut *message.Message, code rserr.Code) {
	if i.threadSafe {
		i.mu.Lock()
		defer i.mu.Unlock()
	}

	interval, burst, severityThreshold := i.policy.Snapshot()

	admitted := true
	if interval > 0 && uint64(m.Severity()) <= severityThreshold {
		admitted = i.tokenBucketCheck(m, interval, burst)
	}
	if !admitted {
		return nil, rserr.RateLimited
	}

	if !reduceRepeated.Load() {
		return nil, rserr.OK
	}
	return i.repeatCompress(m)
}

// tokenBucketCheck implements §4.2's token-bucket algorithm.
func (i *Instance) tokenBucketCheck(m *message.Message, interval, burst uint64) bool {
	now := i.now(m)
	if i.acc == nil || now > i.begin+int64(interval) || now < i.begin {
		// Reset the bucket. Flush a "N lost" status if there were
		// misses in the previous window.
		if i.missed > 0 {
			i.emitLostStatus()
			i.missed = 0
		}
		i.begin = now
		if i.acc == nil {
			i.acc = accumulator.NewAccumulatorWithOptions(int64(burst), accumulator.Options{
				Stripes:       1,
				FastPathGuard: int64(burst) / 4,
			})
		} else {
			i.acc.Reset(int64(burst))
		}
	}

	if i.acc.TryConsume(1) {
		i.ctrAllowed.Add(1)
		return true
	}
	firstDropOfBucket := i.missed == 0
	i.missed++
	i.ctrMissed.Add(1)
	if firstDropOfBucket {
		i.emitBeginDropStatus()
	}
	return false
}

// emitBeginDropStatus and emitLostStatus are internal-status-message
// hooks; wired to a logger by the caller via SetStatusSink so the
// ratelimit package itself stays decoupled from internal/action.
var statusSink func(format string, args ...any)

// SetStatusSink installs the internal-message emitter used for
// "begin to drop" / "N messages lost" status lines.
func SetStatusSink(fn func(format string, args ...any)) { statusSink = fn }

func (i *Instance) emitBeginDropStatus() {
	if statusSink != nil {
		statusSink("%s: begin to drop messages due to rate-limiting", i.policy.Name())
	}
}

func (i *Instance) emitLostStatus() {
	if statusSink != nil {
		statusSink("%s: %d messages lost due to rate-limiting", i.policy.Name(), i.missed)
	}
}

// repeatCompress implements §4.2's repeat-compression algorithm. The
// first message of a run is forwarded immediately (code OK, no
// repeatOut); a message that repeats the held pending_msg is suppressed
// (DiscardMsg) and only grows nsupp. A non-repeat breaks the run: if
// more than one repeat was suppressed, a summary covering those
// repeats is returned as repeatOut to be enqueued before msg itself
// (msg is forwarded via the OK return, same as a fresh run's first
// message). This way "repeated N times: [X]" always accounts for
// exactly N occurrences of X, so unfolding it alongside the directly
// forwarded first occurrence reconstructs the original trace losslessly.
func (i *Instance) repeatCompress(m *message.Message) (*message.Message, rserr.Code) {
	if i.pendingMsg == nil {
		i.pendingMsg = m
		i.nsupp = 1
		return nil, rserr.OK
	}
	if m.IsRepeatOf(i.pendingMsg) {
		i.nsupp++
		return nil, rserr.DiscardMsg
	}

	var summary *message.Message
	if i.nsupp > 1 {
		summary = i.buildSummary(i.pendingMsg, i.nsupp-1)
	}
	i.pendingMsg = m
	i.nsupp = 1
	return summary, rserr.OK
}

// buildSummary synthesizes the "message repeated N times" summary for
// the given run's first message and the count of repeats suppressed
// after it.
func (i *Instance) buildSummary(prev *message.Message, repeats int64) *message.Message {
	body := prev.Raw()
	if len(body) > repeatBodyCap {
		body = body[:repeatBodyCap]
	}
	summaryBody := append([]byte(" message repeated "+itoa(repeats)+" times: ["), body...)
	summaryBody = append(summaryBody, ']')
	summary := message.New(summaryBody, prev.Severity(), prev.Facility(), prev.SourceAddr(), prev.SourceID(), prev.Hostname(), prev.AppName(), prev.ProcID(), time.Now())
	summary.SetFlag(message.FlagRepeatSummary)
	return summary
}

// Destruct flushes any unflushed repeat-run and emits a final "N
// messages lost" status if needed, per §4.2's destruct operation. If
// the pending run has no suppressed repeats (nsupp == 1), its single
// message was already forwarded directly when it became pending, so
// nothing further is emitted.
func (i *Instance) Destruct() (final *message.Message) {
	if i.threadSafe {
		i.mu.Lock()
		defer i.mu.Unlock()
	}
	if i.pendingMsg != nil {
		if i.nsupp > 1 {
			final = i.buildSummary(i.pendingMsg, i.nsupp-1)
		}
		i.pendingMsg = nil
		i.nsupp = 0
	}
	if i.missed > 0 {
		i.emitLostStatus()
		i.missed = 0
	}
	if i.acc != nil {
		i.acc.Close()
		i.acc = nil
	}
	return final
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
