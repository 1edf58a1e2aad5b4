package ringbuf

import "testing"

func TestNewRoundsUpToPowerOfTwo(t *testing.T) {
	b := New[int64](10)
	if b.Cap() != 16 {
		t.Fatalf("expected capacity 16, got %d", b.Cap())
	}
}

func TestAppendFailsWhenFull(t *testing.T) {
	b := New[int64](2)
	if !b.Append(1) || !b.Append(2) {
		t.Fatal("expected first two appends to succeed")
	}
	if b.Append(3) {
		t.Fatal("expected append to fail once full")
	}
}

func TestAppendWithOverwriteNeverFails(t *testing.T) {
	b := New[int64](2)
	b.AppendWithOverwrite(1)
	b.AppendWithOverwrite(2)
	b.AppendWithOverwrite(3) // should overwrite oldest (1)

	dst := make([]int64, 2)
	n := b.ReadToEnd(dst, 2)
	if n != 2 {
		t.Fatalf("expected 2 elements, got %d", n)
	}
	if dst[0] != 2 || dst[1] != 3 {
		t.Fatalf("expected [2 3], got %v", dst[:n])
	}
}

func TestReadAdvancesTail(t *testing.T) {
	b := New[int64](4)
	for i := int64(1); i <= 4; i++ {
		b.Append(i)
	}
	dst := make([]int64, 2)
	n := b.Read(dst, 2)
	if n != 2 || dst[0] != 1 || dst[1] != 2 {
		t.Fatalf("unexpected read: n=%d dst=%v", n, dst)
	}
	if b.Len() != 2 {
		t.Fatalf("expected 2 remaining, got %d", b.Len())
	}
}

func TestReadToEndHandlesWrap(t *testing.T) {
	b := New[int64](4)
	for i := int64(1); i <= 4; i++ {
		b.Append(i)
	}
	drain := make([]int64, 2)
	b.Read(drain, 2) // tail now at index 2
	b.AppendWithOverwrite(5)
	b.AppendWithOverwrite(6) // head wraps around to 0,1

	dst := make([]int64, 4)
	n := b.ReadToEnd(dst, 4)
	if n != 4 {
		t.Fatalf("expected 4 elements, got %d", n)
	}
	want := []int64{3, 4, 5, 6}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, dst[:n])
		}
	}
}

func TestSnapshotDoesNotMutate(t *testing.T) {
	b := New[int64](4)
	b.Append(1)
	b.Append(2)
	dst := make([]int64, 2)
	n := b.Snapshot(dst)
	if n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if b.Len() != 2 {
		t.Fatalf("snapshot should not consume elements, len=%d", b.Len())
	}
}
