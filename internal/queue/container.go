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

package queue

import (
	"container/list"

	"ratelogd/internal/message"
)

// container is the in-memory backing store a Queue uses for its
// FixedArray or LinkedList variant (§4.4's queue_new(type, ...)). Both
// are FIFO; they differ only in whether storage is preallocated.
type container interface {
	push(m *message.Message)
	pop() *message.Message
	len() int
}

// fixedArrayContainer is a preallocated circular buffer of capacity
// cap. Its memory footprint is fixed at construction, trading that
// up-front allocation for zero further allocation on the hot path.
type fixedArrayContainer struct {
	buf        []*message.Message
	head, tail int
	count      int
}

func newFixedArrayContainer(capacity int) *fixedArrayContainer {
	if capacity <= 0 {
		capacity = 1
	}
	return &fixedArrayContainer{buf: make([]*message.Message, capacity)}
}

func (c *fixedArrayContainer) push(m *message.Message) {
	c.buf[c.head] = m
	c.head = (c.head + 1) % len(c.buf)
	c.count++
}

func (c *fixedArrayContainer) pop() *message.Message {
	if c.count == 0 {
		return nil
	}
	m := c.buf[c.tail]
	c.buf[c.tail] = nil
	c.tail = (c.tail + 1) % len(c.buf)
	c.count--
	return m
}

func (c *fixedArrayContainer) len() int { return c.count }

// linkedListContainer grows and shrinks with load instead of
// preallocating; it trades that flexibility for a per-element
// allocation on push.
type linkedListContainer struct {
	l *list.List
}

func newLinkedListContainer() *linkedListContainer {
	return &linkedListContainer{l: list.New()}
}

func (c *linkedListContainer) push(m *message.Message) { c.l.PushBack(m) }

func (c *linkedListContainer) pop() *message.Message {
	front := c.l.Front()
	if front == nil {
		return nil
	}
	c.l.Remove(front)
	return front.Value.(*message.Message)
}

func (c *linkedListContainer) len() int { return c.l.Len() }
