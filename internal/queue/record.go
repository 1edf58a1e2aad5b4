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
	"encoding/json"
	"time"

	"ratelogd/internal/message"
)

// wireMessage is the on-disk shape of a spilled message: enough fields
// to reconstruct a message.Message on read-back. Reference counting and
// processing flags are transient, hot-path-only state and are not
// persisted.
type wireMessage struct {
	Raw        []byte    `json:"raw"`
	Severity   int       `json:"severity"`
	Facility   int       `json:"facility"`
	SourceAddr string    `json:"source_addr"`
	SourceID   string    `json:"source_id"`
	Hostname   string    `json:"hostname"`
	AppName    string    `json:"app_name"`
	ProcID     string    `json:"proc_id"`
	OriginalAt time.Time `json:"original_at"`
}

func encodeMessage(m *message.Message) ([]byte, error) {
	w := wireMessage{
		Raw:        m.Raw(),
		Severity:   int(m.Severity()),
		Facility:   m.Facility(),
		SourceAddr: m.SourceAddr(),
		SourceID:   m.SourceID(),
		Hostname:   m.Hostname(),
		AppName:    m.AppName(),
		ProcID:     m.ProcID(),
		OriginalAt: m.OriginalAt(),
	}
	return json.Marshal(&w)
}

func decodeMessage(b []byte) (*message.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	return message.New(w.Raw, message.Severity(w.Severity), w.Facility, w.SourceAddr, w.SourceID, w.Hostname, w.AppName, w.ProcID, w.OriginalAt), nil
}
