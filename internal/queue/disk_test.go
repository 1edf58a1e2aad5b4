package queue

import (
	"testing"
)

func TestDiskQueueAppendAndPopPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	dq, err := newDiskQueue(dir, "q", 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer dq.Close()

	for i := 0; i < 5; i++ {
		if err := dq.Append([]byte{byte(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if got := dq.Len(); got != 5 {
		t.Fatalf("expected len 5, got %d", got)
	}
	for i := 0; i < 5; i++ {
		rec, ok, err := dq.Pop()
		if err != nil || !ok {
			t.Fatalf("pop %d: ok=%v err=%v", i, ok, err)
		}
		if len(rec) != 1 || rec[0] != byte(i) {
			t.Fatalf("pop %d: expected %d, got %v", i, i, rec)
		}
	}
	if _, ok, _ := dq.Pop(); ok {
		t.Fatal("expected empty disk queue after draining all records")
	}
}

// TestDiskQueueRotatesAcrossFiles forces a tiny max file size so several
// rotations happen, and verifies records still come back in order.
func TestDiskQueueRotatesAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	dq, err := newDiskQueue(dir, "q", 12, 1) // two 5-byte framed records per file
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer dq.Close()

	const n = 20
	for i := 0; i < n; i++ {
		if err := dq.Append([]byte{byte(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		rec, ok, err := dq.Pop()
		if err != nil || !ok {
			t.Fatalf("pop %d: ok=%v err=%v", i, ok, err)
		}
		if rec[0] != byte(i) {
			t.Fatalf("pop %d: expected %d, got %d", i, i, rec[0])
		}
	}
}

// TestDiskQueueIndexSurvivesReopen verifies the .qi index lets a fresh
// diskQueue instance resume from where a previous one left off.
func TestDiskQueueIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dq1, err := newDiskQueue(dir, "q", 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dq1.Append([]byte("a"))
	dq1.Append([]byte("b"))
	if err := dq1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	dq2, err := newDiskQueue(dir, "q", 0, 1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer dq2.Close()
	rec, ok, err := dq2.Pop()
	if err != nil || !ok {
		t.Fatalf("pop after reopen: ok=%v err=%v", ok, err)
	}
	if string(rec) != "a" {
		t.Fatalf("expected first record 'a', got %q", rec)
	}
}
