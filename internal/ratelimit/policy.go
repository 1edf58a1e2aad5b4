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

// Package ratelimit implements the global token-bucket plus per-source
// rate-limit engine described in §4.2: a shared policy (interval,
// burst, severity, optional per-source sub-policy) and one or more
// ratelimit Instances that classify messages against it.
package ratelimit

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"ratelogd/internal/rserr"
)

// Override is one per-source-key override entry.
type Override struct {
	Key    string `yaml:"key"`
	Max    uint   `yaml:"max"`
	Window uint   `yaml:"window"` // seconds
}

// globalFile is the YAML shape of the global policy file (§6).
type globalFile struct {
	Interval *uint `yaml:"interval"`
	Burst    *uint `yaml:"burst"`
	Severity *uint `yaml:"severity"`
}

// perSourceDefault is the required `default` block of the per-source file.
type perSourceDefault struct {
	Max    *uint `yaml:"max"`
	Window *uint `yaml:"window"`
}

// perSourceFile is the YAML shape of the per-source policy file (§6).
type perSourceFile struct {
	Default   perSourceDefault `yaml:"default"`
	Overrides []Override       `yaml:"overrides"`
}

const maxOverrides = 10000

// PerSourceConfig is the parsed, validated per-source sub-policy.
type PerSourceConfig struct {
	DefaultMax    uint
	DefaultWindow uint // seconds
	Overrides     map[string]Override
	KeyTemplate   string
	MaxStates     int
	TopN          int
}

// SharedPolicy is the per-configuration-shareable rate-limit policy.
// Global scalar fields are atomics so the hot path's "very short
// critical section reading {interval, burst, severity}" needs no lock
// at all; the per-source sub-policy is swapped wholesale under mu on
// reload, per §4.2's HUP-safety rule.
type SharedPolicy struct {
	name string

	interval atomic.Uint64 // seconds; 0 = unlimited
	burst    atomic.Uint64
	severity atomic.Uint64 // only messages at/below this severity are rate-limited

	mu         sync.RWMutex
	perSource  *PerSourceConfig // nil if no per-source sub-policy configured
}

func newSharedPolicy(name string) *SharedPolicy {
	return &SharedPolicy{name: name}
}

func (p *SharedPolicy) Name() string { return p.name }

// Snapshot reads {interval, burst, severity} in one short pass. Callers
// do not need a lock: these are plain atomics, matching the spec's
// "very short critical section" note translated to Go idiom.
func (p *SharedPolicy) Snapshot() (interval, burst, severity uint64) {
	return p.interval.Load(), p.burst.Load(), p.severity.Load()
}

// PerSource returns the current per-source sub-policy, or nil.
func (p *SharedPolicy) PerSource() *PerSourceConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.perSource
}

func (p *SharedPolicy) setGlobals(interval, burst, severity uint) {
	p.interval.Store(uint64(interval))
	p.burst.Store(uint64(burst))
	p.severity.Store(uint64(severity))
}

func (p *SharedPolicy) setPerSource(cfg *PerSourceConfig) {
	p.mu.Lock()
	p.perSource = cfg
	p.mu.Unlock()
}

// Registry owns the set of named SharedPolicy objects for a
// configuration, matching design note: "the configuration's registries
// own ... rate-limit policies; instances hold a non-owning reference."
type Registry struct {
	mu       sync.RWMutex
	policies map[string]*SharedPolicy

	globalPath     map[string]string // policy name -> global policy file path
	perSourcePath  map[string]string // policy name -> per-source policy file path
}

func NewRegistry() *Registry {
	return &Registry{
		policies:      make(map[string]*SharedPolicy),
		globalPath:    make(map[string]string),
		perSourcePath: make(map[string]string),
	}
}

// AddConfig registers a named policy directly from parsed values
// (config-file path, not YAML reload path).
func (r *Registry) AddConfig(name string, interval, burst, severity uint) *SharedPolicy {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := newSharedPolicy(name)
	p.setGlobals(interval, burst, severity)
	r.policies[name] = p
	return p
}

// NewFromConfig loads a named policy's global (and optional per-source)
// YAML files and registers it. globalPath/perSourcePath are remembered
// so DoHUP can re-parse them later.
func (r *Registry) NewFromConfig(name, globalPath, perSourcePath string) (*SharedPolicy, error) {
	p := newSharedPolicy(name)
	if err := loadGlobalInto(p, globalPath); err != nil {
		return nil, err
	}
	if perSourcePath != "" {
		cfg, err := parsePerSourceFile(perSourcePath)
		if err != nil {
			return nil, err
		}
		p.setPerSource(cfg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[name] = p
	if globalPath != "" {
		r.globalPath[name] = globalPath
	}
	if perSourcePath != "" {
		r.perSourcePath[name] = perSourcePath
	}
	return p, nil
}

// Get returns a registered policy by name.
func (r *Registry) Get(name string) (*SharedPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	return p, ok
}

// DoHUP re-parses every policy's files outside any policy mutex, then
// swaps the new values in under each policy's own lock, per §4.2's HUP
// safety rule. A parse failure leaves that policy's old values in
// effect and is reported but does not abort the reload of others.
func (r *Registry) DoHUP() []error {
	r.mu.RLock()
	type job struct {
		policy        *SharedPolicy
		globalPath    string
		perSourcePath string
	}
	jobs := make([]job, 0, len(r.policies))
	for name, p := range r.policies {
		jobs = append(jobs, job{p, r.globalPath[name], r.perSourcePath[name]})
	}
	r.mu.RUnlock()

	var errs []error
	for _, j := range jobs {
		if j.globalPath != "" {
			if err := loadGlobalInto(j.policy, j.globalPath); err != nil {
				errs = append(errs, err)
			}
		}
		if j.perSourcePath != "" {
			cfg, err := parsePerSourceFile(j.perSourcePath)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			j.policy.setPerSource(cfg)
		}
	}
	return errs
}

func loadGlobalInto(p *SharedPolicy, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return rserr.New(rserr.FileNotFound, "ratelimit.loadGlobal", err)
	}
	var gf globalFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return rserr.New(rserr.JSONParseErr, "ratelimit.loadGlobal", err)
	}
	interval, burst, severity := p.interval.Load(), p.burst.Load(), p.severity.Load()
	if gf.Interval != nil {
		interval = uint64(*gf.Interval)
	}
	if gf.Burst != nil {
		burst = uint64(*gf.Burst)
	}
	if gf.Severity != nil {
		if *gf.Severity > 7 {
			return rserr.New(rserr.ConfParamInvalid, "ratelimit.loadGlobal", fmt.Errorf("severity %d out of range [0,7]", *gf.Severity))
		}
		severity = uint64(*gf.Severity)
	}
	p.setGlobals(uint(interval), uint(burst), uint(severity))
	return nil
}

// parsePerSourceFile parses and validates the per-source YAML file per
// §6: both default.max and default.window are required, overrides are
// bounded at 10,000 entries.
func parsePerSourceFile(path string) (*PerSourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rserr.New(rserr.FileNotFound, "ratelimit.loadPerSource", err)
	}
	var pf perSourceFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, rserr.New(rserr.JSONParseErr, "ratelimit.loadPerSource", err)
	}
	if pf.Default.Max == nil || pf.Default.Window == nil {
		return nil, rserr.New(rserr.ConfParamInvalid, "ratelimit.loadPerSource",
			fmt.Errorf("default.max and default.window are both required"))
	}
	if len(pf.Overrides) > maxOverrides {
		return nil, rserr.New(rserr.ConfParamInvalid, "ratelimit.loadPerSource",
			fmt.Errorf("too many overrides: %d > %d", len(pf.Overrides), maxOverrides))
	}
	cfg := &PerSourceConfig{
		DefaultMax:    *pf.Default.Max,
		DefaultWindow: *pf.Default.Window,
		Overrides:     make(map[string]Override, len(pf.Overrides)),
		KeyTemplate:   "%fromhost%",
		MaxStates:     10000,
		TopN:          10,
	}
	for _, o := range pf.Overrides {
		cfg.Overrides[o.Key] = o
	}
	return cfg, nil
}
