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

package outputs

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"ratelogd/internal/action"
	"ratelogd/internal/message"
)

// fileRecord is the on-disk shape one FileModule line takes. Unlike
// CommitSink, FileModule writes every message rather than a per-key
// count, so it archives the exact trace (§8 property 5's lossless
// reconstruction only holds against what actually reached an output,
// making an unabridged sink useful for tests and audits).
type fileRecord struct {
	Raw        string `json:"raw"`
	Severity   int    `json:"severity"`
	Hostname   string `json:"hostname"`
	AppName    string `json:"app_name"`
	SourceAddr string `json:"source_addr"`
}

// FileModule is an action.Module that appends each batch to a flat
// file as newline-delimited JSON, buffered the way the teacher's
// deleted SBatchFileSink buffered writes (bufio.Writer behind a
// mutex, flushed per batch). It is the simplest possible real output:
// no network dependency, useful as the default action in a dev build
// or test harness.
type FileModule struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func NewFileModule(path string) (*FileModule, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("outputs.NewFileModule: %w", err)
	}
	return &FileModule{f: f, w: bufio.NewWriterSize(f, 64<<10)}, nil
}

var _ action.Module = (*FileModule)(nil)

func (m *FileModule) BeginTransaction() error { return nil }

// DoAction writes every message in batch, even past an element that
// fails, so one bad message marshals to ResultOther (discarded, not
// retried) without dragging the rest of the batch into a retry. A
// write failure is reported as ResultSuspended for the remaining
// elements too, since a mid-batch write error usually means the
// underlying file is no longer usable for any further element this
// round.
func (m *FileModule) DoAction(batch []*message.Message) ([]action.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]action.Result, len(batch))
	var firstErr error
	writeFailed := false
	for i, msg := range batch {
		if writeFailed {
			results[i] = action.ResultSuspended
			continue
		}
		rec := fileRecord{
			Raw:        string(msg.Raw()),
			Severity:   int(msg.Severity()),
			Hostname:   msg.Hostname(),
			AppName:    msg.AppName(),
			SourceAddr: msg.SourceAddr(),
		}
		b, err := json.Marshal(&rec)
		if err != nil {
			results[i] = action.ResultOther
			if firstErr == nil {
				firstErr = fmt.Errorf("outputs.FileModule: marshal: %w", err)
			}
			continue
		}
		if err := writeRecord(m.w, b); err != nil {
			results[i] = action.ResultSuspended
			writeFailed = true
			if firstErr == nil {
				firstErr = fmt.Errorf("outputs.FileModule: write: %w", err)
			}
			continue
		}
		results[i] = action.ResultOK
	}
	return results, firstErr
}

// writeRecord appends b followed by a newline.
func writeRecord(w *bufio.Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

func (m *FileModule) EndTransaction() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.w.Flush()
}

func (m *FileModule) TryResume() error { return nil }

func (m *FileModule) DoHUP() {}

func (m *FileModule) DestructInstance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.w.Flush()
	_ = m.f.Close()
}

func (m *FileModule) IsCompatibleWithFeature(feature string) bool {
	return feature == "batching" || feature == "repeat-processed"
}
