package ratelimit

import (
	"testing"
	"time"

	"ratelogd/internal/message"
)

func newSrcMsg(hostname, addr string) *message.Message {
	return message.New([]byte("body"), message.SeverityInfo, 1, addr, "src", hostname, "app", "123", time.Now())
}

func TestKeyTemplates(t *testing.T) {
	cases := []struct {
		template string
		hostname string
		addr     string
		want     string
	}{
		{"%fromhost-ip%", "hostA", "10.0.0.1", "10.0.0.1"},
		{"%fromhost%", "hostA", "10.0.0.1", "hostA"},
		{"%fromhost%:%fromhost-port%", "hostA", "10.0.0.1", "hostA:10.0.0.1"},
	}
	for _, tc := range cases {
		tbl := NewPerSourceTable(&PerSourceConfig{KeyTemplate: tc.template, DefaultMax: 1, DefaultWindow: 1, MaxStates: 10}, nil)
		got := tbl.Key(newSrcMsg(tc.hostname, tc.addr))
		if got != tc.want {
			t.Fatalf("template %q: expected key %q, got %q", tc.template, tc.want, got)
		}
	}
}

// TestSlidingWindowBound reproduces invariant 2: within a window, at
// most max admissions are allowed per key, and the window resets after
// it elapses.
func TestSlidingWindowBound(t *testing.T) {
	cfg := &PerSourceConfig{DefaultMax: 3, DefaultWindow: 10, MaxStates: 100, Overrides: map[string]Override{}}
	tbl := NewPerSourceTable(cfg, nil)

	base := time.Unix(0, 0)
	admitted := 0
	for i := 0; i < 5; i++ {
		ok, oom := tbl.Admit("hostA", base)
		if oom {
			t.Fatal("unexpected oom")
		}
		if ok {
			admitted++
		}
	}
	if admitted != 3 {
		t.Fatalf("expected 3 admitted within window, got %d", admitted)
	}

	later := base.Add(11 * time.Second)
	if ok, _ := tbl.Admit("hostA", later); !ok {
		t.Fatal("expected admission after window reset")
	}
}

// TestLRUBound reproduces invariant 3: |per_source_states| <= max_states.
func TestLRUBound(t *testing.T) {
	cfg := &PerSourceConfig{DefaultMax: 100, DefaultWindow: 100, MaxStates: 4, Overrides: map[string]Override{}}
	tbl := NewPerSourceTable(cfg, nil)

	now := time.Unix(0, 0)
	for i := 0; i < 50; i++ {
		key := keyFor(i)
		tbl.Admit(key, now)
		if tbl.Len() > cfg.MaxStates {
			t.Fatalf("state count %d exceeds max_states %d", tbl.Len(), cfg.MaxStates)
		}
	}
}

func keyFor(i int) string {
	return "host-" + itoa(int64(i))
}

// TestOverrideAppliesPerKey verifies an override's max/window wins over
// the table's defaults for its key, leaving other keys on the default.
func TestOverrideAppliesPerKey(t *testing.T) {
	cfg := &PerSourceConfig{
		DefaultMax:    5,
		DefaultWindow: 60,
		MaxStates:     10,
		Overrides:     map[string]Override{"hostA": {Key: "hostA", Max: 1, Window: 60}},
	}
	tbl := NewPerSourceTable(cfg, nil)
	now := time.Unix(0, 0)

	if ok, _ := tbl.Admit("hostA", now); !ok {
		t.Fatal("expected first admission for overridden key")
	}
	if ok, _ := tbl.Admit("hostA", now); ok {
		t.Fatal("expected second admission for overridden key (max=1) to be denied")
	}
	if ok, _ := tbl.Admit("hostB", now); !ok {
		t.Fatal("expected default-policy key to admit")
	}
}

// TestOOMFailOpen reproduces the supplemented fail-open behavior: when
// MaxStates is configured as 0, the table cannot allocate any per-source
// state, and every message is admitted fail-open.
func TestOOMFailOpen(t *testing.T) {
	cfg := &PerSourceConfig{DefaultMax: 1, DefaultWindow: 60, MaxStates: 0}
	tbl := NewPerSourceTable(cfg, nil)

	for i := 0; i < 10; i++ {
		ok, oom := tbl.Admit("hostA", time.Unix(0, 0))
		if !ok || !oom {
			t.Fatalf("expected fail-open admission, got ok=%v oom=%v", ok, oom)
		}
	}
}

// TestTopReporterRankChurn exercises the top-N reporter's
// unregister-before-register behavior when a key's rank changes: it
// must not panic and must keep reporting the most-recent count for
// each tracked key.
func TestTopReporterRankChurn(t *testing.T) {
	r := newTopNReporter(2, nil)

	r.report("a", 5)
	r.report("b", 10)
	r.report("c", 1)
	r.report("a", 20) // "a" should now outrank "b"

	if r.counts["a"] != 20 {
		t.Fatalf("expected a's count updated to 20, got %d", r.counts["a"])
	}
	if len(r.ranked) > 2 {
		t.Fatalf("expected at most 2 ranked entries, got %d", len(r.ranked))
	}
}
