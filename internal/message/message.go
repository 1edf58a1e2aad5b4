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

// Package message defines the unit of work that flows through the rate
// limiter, the queue, and the action runtime. A Message is created by an
// input driver, immutable after parsing except for its reference count
// and a small processing-flags field, and destroyed when the last
// holder releases its reference.
package message

import (
	"sync/atomic"
	"time"
)

// Severity mirrors syslog severities; 0 is most urgent, 7 is debug.
// Numerically greater severity means lower priority, which matters for
// the queue's discard-mark comparison (§ queue enqueue rules).
type Severity int

const (
	SeverityEmergency Severity = iota
	SeverityAlert
	SeverityCritical
	SeverityError
	SeverityWarning
	SeverityNotice
	SeverityInfo
	SeverityDebug
)

// Flags are hot-path processing bits set after creation (e.g. marking a
// message as a synthesized repeat-summary so downstream stages can tell
// it apart from an original record).
type Flags uint32

const (
	FlagNone Flags = 0
	// FlagRepeatSummary marks a message synthesized by repeat
	// compression ("message repeated N times: [...]").
	FlagRepeatSummary Flags = 1 << iota
	// FlagInternal marks an internally generated status message
	// (e.g. "begin to drop messages due to rate-limiting").
	FlagInternal
)

// Message is the unit of work. Construction is the input driver's job;
// everything here is read-only after New except refcount and flags.
type Message struct {
	raw      []byte
	severity Severity
	facility int

	receivedAt time.Time
	originalAt time.Time

	sourceAddr string
	sourceID   string
	appName    string
	procID     string
	hostname   string

	fields map[string]string

	flags   atomic.Uint32
	refs    atomic.Int32
}

// New constructs a Message with a single initial reference.
func New(raw []byte, severity Severity, facility int, sourceAddr, sourceID, hostname, appName, procID string, originalAt time.Time) *Message {
	m := &Message{
		raw:        raw,
		severity:   severity,
		facility:   facility,
		receivedAt: time.Now(),
		originalAt: originalAt,
		sourceAddr: sourceAddr,
		sourceID:   sourceID,
		appName:    appName,
		procID:     procID,
		hostname:   hostname,
	}
	m.refs.Store(1)
	return m
}

func (m *Message) Raw() []byte          { return m.raw }
func (m *Message) Severity() Severity   { return m.severity }
func (m *Message) Facility() int        { return m.facility }
func (m *Message) ReceivedAt() time.Time { return m.receivedAt }
func (m *Message) OriginalAt() time.Time { return m.originalAt }
func (m *Message) SourceAddr() string   { return m.sourceAddr }
func (m *Message) SourceID() string    { return m.sourceID }
func (m *Message) Hostname() string    { return m.hostname }
func (m *Message) AppName() string     { return m.appName }
func (m *Message) ProcID() string      { return m.procID }

// Field returns a structured field parsed from the message, if present.
func (m *Message) Field(name string) (string, bool) {
	v, ok := m.fields[name]
	return v, ok
}

// WithFields attaches parsed structured fields; callers only do this
// before the message is shared across goroutines (i.e. immediately
// after New, inside the input driver).
func (m *Message) WithFields(fields map[string]string) *Message {
	m.fields = fields
	return m
}

// SetFlag sets a processing-flag bit. Safe to call concurrently; flags
// are advisory and additive (no clearing path is needed by any caller
// in this engine).
func (m *Message) SetFlag(f Flags) {
	for {
		old := m.flags.Load()
		if old&uint32(f) != 0 {
			return
		}
		if m.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (m *Message) HasFlag(f Flags) bool {
	return m.flags.Load()&uint32(f) != 0
}

// AddRef increments the reference count. Call before handing the
// message to a second holder (e.g. a second action queue).
func (m *Message) AddRef() {
	m.refs.Add(1)
}

// Release decrements the reference count and reports whether this was
// the last holder (in which case the caller should stop using m).
func (m *Message) Release() bool {
	return m.refs.Add(-1) == 0
}

// RefCount returns the current reference count, for diagnostics/tests.
func (m *Message) RefCount() int32 {
	return m.refs.Load()
}

// RepeatKey identifies whether two messages are byte-equal repeats per
// the repeat-compression rule: {body, hostname, procID, appName} equal.
func (m *Message) RepeatKey() string {
	return m.hostname + "\x00" + m.procID + "\x00" + m.appName + "\x00" + string(m.raw)
}

// IsRepeatOf reports whether m and other share a repeat key.
func (m *Message) IsRepeatOf(other *Message) bool {
	if other == nil {
		return false
	}
	return string(m.raw) == string(other.raw) &&
		m.hostname == other.hostname &&
		m.procID == other.procID &&
		m.appName == other.appName
}
