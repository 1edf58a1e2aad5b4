package ratelimit

import (
	"testing"
	"time"

	"ratelogd/internal/message"
	"ratelogd/internal/rserr"
)

func newMsg(t time.Time, body string) *message.Message {
	return message.New([]byte(body), message.SeverityInfo, 1, "10.0.0.1", "src1", "host1", "app1", "123", t)
}

// TestTokenBucketScenarioS1 reproduces S1: interval=10, burst=3,
// severity=7. Feed 5 messages at t=0: 3 admitted, 2 missed. At t=11,
// one more message is admitted and the prior miss count is flushed.
func TestTokenBucketScenarioS1(t *testing.T) {
	reg := NewRegistry()
	policy := reg.AddConfig("p1", 10, 3, 7)
	inst := New(policy, false, nil)

	base := time.Unix(0, 0)
	admitted := 0
	for i := 0; i < 5; i++ {
		_, code := inst.Msg(newMsg(base, "body"))
		if code == rserr.OK {
			admitted++
		}
	}
	if admitted != 3 {
		t.Fatalf("expected 3 admitted, got %d", admitted)
	}
	if inst.missed != 2 {
		t.Fatalf("expected 2 missed, got %d", inst.missed)
	}

	later := time.Unix(11, 0)
	_, code := inst.Msg(newMsg(later, "body2"))
	if code != rserr.OK {
		t.Fatalf("expected admission after bucket reset, got %v", code)
	}
}

func TestTokenBucketUnlimitedWhenIntervalZero(t *testing.T) {
	reg := NewRegistry()
	policy := reg.AddConfig("p1", 0, 0, 7)
	inst := New(policy, false, nil)

	now := time.Now()
	for i := 0; i < 100; i++ {
		if _, code := inst.Msg(newMsg(now, "x")); code != rserr.OK {
			t.Fatalf("expected unconditional admission with interval=0, got %v at i=%d", code, i)
		}
	}
}

// TestRepeatCompressionScenarioS4 reproduces S4: feed identical message M
// three times then message N. M1 is forwarded directly (code OK, no
// repeatOut), M2/M3 are suppressed repeats (DiscardMsg), and N's arrival
// breaks the run, returning a "message repeated 2 times: [M]" summary as
// repeatOut alongside its own OK forwarding. Unfolding that summary back
// into 2 copies of M, plus the directly-forwarded M1, reconstructs all 3
// fed M's losslessly.
func TestRepeatCompressionScenarioS4(t *testing.T) {
	SetReduceRepeated(true)
	defer SetReduceRepeated(false)

	reg := NewRegistry()
	policy := reg.AddConfig("p1", 0, 0, 7)
	inst := New(policy, false, nil)

	now := time.Now()
	m1 := newMsg(now, "same body")
	m2 := newMsg(now, "same body")
	m3 := newMsg(now, "same body")
	n := newMsg(now, "different body")

	wantCodes := []rserr.Code{rserr.OK, rserr.DiscardMsg, rserr.DiscardMsg, rserr.OK}
	var emitted []*message.Message
	for idx, m := range []*message.Message{m1, m2, m3, n} {
		repeatOut, code := inst.Msg(m)
		if code != wantCodes[idx] {
			t.Fatalf("message %d: expected code %v, got %v", idx, wantCodes[idx], code)
		}
		if repeatOut != nil {
			emitted = append(emitted, repeatOut)
		}
	}
	final := inst.Destruct()
	if final != nil {
		emitted = append(emitted, final)
	}

	if len(emitted) != 1 {
		t.Fatalf("expected exactly one emitted summary, got %d", len(emitted))
	}
	if !emitted[0].HasFlag(message.FlagRepeatSummary) {
		t.Fatal("expected emitted message to be flagged as a repeat summary")
	}
	if string(emitted[0].Raw())[:19] != " message repeated 2" {
		t.Fatalf("unexpected summary body: %q", string(emitted[0].Raw()))
	}
}
