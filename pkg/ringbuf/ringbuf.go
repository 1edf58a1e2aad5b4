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

// Package ringbuf implements a fixed, power-of-two capacity circular buffer.
// It is not thread-safe; callers (percentile buckets) lock around
// it. Modeled on catrate's ring buffer indexing scheme (head/tail + mask)
// and its use of constraints.Integer to stay generic over the observation
// type, but with the simpler fixed-capacity, overwrite-on-full contract the
// percentile sliding-window stats need instead of catrate's resizing,
// sorted-insert ring.
package ringbuf

import "golang.org/x/exp/constraints"

// Buffer is a fixed-capacity circular buffer of integer observations.
type Buffer[T constraints.Integer] struct {
	s    []T
	head uint32
	tail uint32
	mask uint32
}

// New returns a Buffer whose capacity is the next power of two >= size.
// size <= 0 is treated as 1.
func New[T constraints.Integer](size int) *Buffer[T] {
	if size <= 0 {
		size = 1
	}
	cap := nextPow2(size)
	return &Buffer[T]{s: make([]T, cap), mask: uint32(cap) - 1}
}

func nextPow2(x int) int {
	n := 1
	for n < x {
		n <<= 1
	}
	return n
}

// Cap returns the buffer's fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.s) }

// Len returns the number of elements currently stored.
func (b *Buffer[T]) Len() int { return int(b.head - b.tail) }

// Empty reports head == tail.
func (b *Buffer[T]) Empty() bool { return b.head == b.tail }

// Full reports whether the buffer holds its full capacity of elements.
func (b *Buffer[T]) Full() bool { return b.Len() == len(b.s) }

// Append adds a value. It fails (returns false) if the buffer is full.
func (b *Buffer[T]) Append(v T) bool {
	if b.Full() {
		return false
	}
	b.s[b.head&b.mask] = v
	b.head++
	return true
}

// AppendWithOverwrite adds a value, silently discarding the oldest element
// (advancing tail) if the buffer is full. Never fails.
func (b *Buffer[T]) AppendWithOverwrite(v T) {
	if b.Full() {
		b.tail++
	}
	b.s[b.head&b.mask] = v
	b.head++
}

// Read copies up to n elements (or fewer, if not available, or if the read
// would cross the end of the underlying array) into dst starting at tail,
// and advances tail by the number of elements copied. Returns the count.
func (b *Buffer[T]) Read(dst []T, n int) int {
	avail := b.Len()
	if n > avail {
		n = avail
	}
	if n > len(dst) {
		n = len(dst)
	}
	if n <= 0 {
		return 0
	}
	start := b.tail & b.mask
	toEnd := len(b.s) - int(start)
	if n > toEnd {
		n = toEnd
	}
	copy(dst[:n], b.s[start:int(start)+n])
	b.tail += uint32(n)
	return n
}

// ReadToEnd performs up to two linear reads to drain up to n elements across
// the wrap boundary, returning the total count copied.
func (b *Buffer[T]) ReadToEnd(dst []T, n int) int {
	first := b.Read(dst, n)
	if first == 0 || first >= n || first >= len(dst) {
		return first
	}
	second := b.Read(dst[first:], n-first)
	return first + second
}

// Snapshot copies all currently buffered elements, oldest first, without
// mutating the buffer (tail is unchanged). Used by percentile stats reads.
func (b *Buffer[T]) Snapshot(dst []T) int {
	l := b.Len()
	if l > len(dst) {
		l = len(dst)
	}
	for i := 0; i < l; i++ {
		dst[i] = b.s[(b.tail+uint32(i))&b.mask]
	}
	return l
}

// Reset empties the buffer without reallocating.
func (b *Buffer[T]) Reset() {
	b.head = 0
	b.tail = 0
}
