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

// Package procctx holds the small set of process-wide, mutable switches
// that the daemon's signal handlers and config loader need to flip from
// outside the normal call graph. It replaces a scattered set of package
// level globals with one struct that is constructed once in main and
// passed by reference to anything that needs to read or flip them.
package procctx

import "sync/atomic"

// Context is the process-wide mutable state. The zero value is usable
// with every switch off, including Ctrl-C shutdown; New returns the
// daemon's defaults (debug off, abort-on-error off, Ctrl-C shutdown
// enabled).
type Context struct {
	debug                     atomic.Bool
	terminateInputs           atomic.Bool
	abortOnUncleanConfig      atomic.Bool
	abortOnFailedQueueStartup atomic.Bool
	shutdownEnableCtlC        atomic.Bool
}

// New returns a Context with ShutdownEnableCtlC defaulted on, matching
// the daemon's interactive default.
func New() *Context {
	c := &Context{}
	c.shutdownEnableCtlC.Store(true)
	return c
}

func (c *Context) Debug() bool                  { return c.debug.Load() }
func (c *Context) SetDebug(v bool)               { c.debug.Store(v) }
func (c *Context) TerminateInputs() bool         { return c.terminateInputs.Load() }
func (c *Context) SetTerminateInputs(v bool)     { c.terminateInputs.Store(v) }
func (c *Context) AbortOnUncleanConfig() bool    { return c.abortOnUncleanConfig.Load() }
func (c *Context) SetAbortOnUncleanConfig(v bool) { c.abortOnUncleanConfig.Store(v) }

func (c *Context) AbortOnFailedQueueStartup() bool {
	return c.abortOnFailedQueueStartup.Load()
}

func (c *Context) SetAbortOnFailedQueueStartup(v bool) {
	c.abortOnFailedQueueStartup.Store(v)
}

func (c *Context) ShutdownEnableCtlC() bool     { return c.shutdownEnableCtlC.Load() }
func (c *Context) SetShutdownEnableCtlC(v bool) { c.shutdownEnableCtlC.Store(v) }
