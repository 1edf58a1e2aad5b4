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

// Package stats implements the small typed-counter API design note #5
// calls for: subsystems call CounterNew during construction to register
// a named, typed counter backed by their own storage, and the stats
// subsystem owns only a vector of those references. A read of an Object
// invokes any registered ReadCallback first, so cardinality-bounded
// subsystems (dynstats TTL sweep, percentile lazy percentile
// computation) only do that work when something actually reads them,
// not on every hot-path increment.
package stats

import "sync"

// Type mirrors the counter types exposed by the read interface.
type Type int

const (
	IntCtr Type = iota
	Int
	CounterType
)

// Flags mirrors the read-interface counter flags.
type Flags int

const (
	None Flags = iota
	Resettable
	MustReset
)

// Counter is a named, typed reference to caller-owned storage. Value is
// a pull accessor rather than a stored number: the creating object
// keeps the real storage (usually an atomic.Int64) and Counter just
// knows how to read it, matching the "storage_ref" in design note #5.
type Counter struct {
	Name  string
	Type  Type
	Flags Flags
	Value func() int64
}

// ReadCallback runs once per Object read, before its counters are
// sampled. Used for lazy maintenance work: dynstats TTL sweeps,
// percentile bucket sort-and-publish.
type ReadCallback func()

// Object is one reporting unit: a dynstats bucket, a rate-limit policy,
// a percentile bucket. It owns a vector of Counters and optionally a
// ReadCallback.
type Object struct {
	Origin    string // "dynstats", "ratelimit", "percentile.bucket"
	Name      string
	Namespace string // conventionally "values"

	mu       sync.Mutex
	counters []Counter
	onRead   ReadCallback
}

// NewObject registers a new reporting object under the given origin and
// name. The creating subsystem is responsible for calling Unregister
// when it is destroyed (design note: "destruction unregisters before
// freeing").
func NewObject(origin, name string) *Object {
	return &Object{Origin: origin, Name: name, Namespace: "values"}
}

// CounterNew appends a typed counter to the object. Mirrors design note
// #5's counter_new(name, type, flags, storage_ref).
func (o *Object) CounterNew(name string, typ Type, flags Flags, value func() int64) *Counter {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counters = append(o.counters, Counter{Name: name, Type: typ, Flags: flags, Value: value})
	return &o.counters[len(o.counters)-1]
}

// SetReadCallback installs the lazy-maintenance hook run before Read.
func (o *Object) SetReadCallback(cb ReadCallback) {
	o.mu.Lock()
	o.onRead = cb
	o.mu.Unlock()
}

// Snapshot is a point-in-time, read-only copy of an Object's counters.
type Snapshot struct {
	Origin    string
	Name      string
	Namespace string
	Values    map[string]int64
}

// Read runs the read callback (if any) then samples every counter.
func (o *Object) Read() Snapshot {
	o.mu.Lock()
	cb := o.onRead
	o.mu.Unlock()
	if cb != nil {
		cb()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	values := make(map[string]int64, len(o.counters))
	for _, c := range o.counters {
		values[c.Name] = c.Value()
	}
	return Snapshot{Origin: o.Origin, Name: o.Name, Namespace: o.Namespace, Values: values}
}

// Registry is the process-wide vector of reporting Objects. The stats
// subsystem owns only this vector; it never owns the counters'
// underlying storage.
type Registry struct {
	mu      sync.RWMutex
	objects map[*Object]struct{}
}

func NewRegistry() *Registry {
	return &Registry{objects: make(map[*Object]struct{})}
}

// Register adds an Object to the registry. Idempotent per pointer.
func (r *Registry) Register(o *Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[o] = struct{}{}
}

// Unregister removes an Object. Safe to call more than once.
func (r *Registry) Unregister(o *Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, o)
}

// ReadAll returns a Snapshot for every currently registered Object.
func (r *Registry) ReadAll() []Snapshot {
	r.mu.RLock()
	objs := make([]*Object, 0, len(r.objects))
	for o := range r.objects {
		objs = append(objs, o)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.Read())
	}
	return out
}
