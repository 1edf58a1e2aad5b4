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

// Package rserr provides structured lifecycle error codes for the
// config/startup/shutdown path. Hot-path message processing never
// returns an *Error: it returns a bare Code (e.g. RateLimited from
// ratelimit, OutOfMemory from dynstats), collapses failures to
// admit/drop/suspend and counts them (see internal/stats), matching the teacher's split
// between fmt.Errorf-wrapped lifecycle errors and silent hot-path
// counters.
package rserr

import "fmt"

// Code mirrors rsyslog's small set of runtime status codes relevant to
// this engine; RS_RET_OK is the zero value so a nil-ish default reads
// as success.
type Code int

const (
	OK Code = iota
	DiscardMsg
	OutOfMemory
	IOError
	JSONParseErr
	FileNotFound
	ConfParamInvalid
	RateLimited
	Suspended
	NoEntry
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case DiscardMsg:
		return "DISCARD_MSG"
	case OutOfMemory:
		return "OUT_OF_MEMORY"
	case IOError:
		return "IO_ERROR"
	case JSONParseErr:
		return "JSON_PARSE_ERR"
	case FileNotFound:
		return "FILE_NOT_FOUND"
	case ConfParamInvalid:
		return "CONF_PARAM_INVLD"
	case RateLimited:
		return "RATE_LIMITED"
	case Suspended:
		return "SUSPENDED"
	case NoEntry:
		return "NO_ENTRY"
	default:
		return "UNKNOWN"
	}
}

// Error is a structured lifecycle error: a code plus a wrapped cause.
// Construction follows the teacher's fmt.Errorf("...: %w", err)
// wrapping idiom, but keeps the code machine-readable for callers that
// branch on it (e.g. main deciding whether to abort on CONF_PARAM_INVLD).
type Error struct {
	Code Code
	Op   string
	Err  error
}

func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, rserr.Sentinel(rserr.RateLimited)) style
// checks by comparing codes when the target is also an *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel wraps a bare Code so it can be used as an errors.Is target,
// e.g. errors.Is(err, rserr.Sentinel(rserr.RateLimited)).
func Sentinel(code Code) *Error { return &Error{Code: code} }
