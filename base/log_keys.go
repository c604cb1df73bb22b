//  Copyright (c) 2020 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
//  except in compliance with the License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing, software distributed under the
//  License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
//  either express or implied. See the License for the specific language governing permissions
//  and limitations under the License.

package base

import (
	"strings"
	"sync/atomic"
)

// LogKey is a bitfield of log channels. Almost all log calls are tagged with
// one, and output is suppressed unless that key (or KeyAll) is enabled.
type LogKey uint64

const (
	KeyNone LogKey = 0

	KeyAll LogKey = 1 << iota
	KeyBlob
	KeyChanges
	KeyCRUD
	KeyReplicate
	KeyStorage
	KeySync
	KeySyncMsg
	KeyWebSocket
	KeyWebSocketFrame
)

var logKeyNames = map[LogKey]string{
	KeyNone:           "",
	KeyAll:            "*",
	KeyBlob:           "Blob",
	KeyChanges:        "Changes",
	KeyCRUD:           "CRUD",
	KeyReplicate:      "Replicate",
	KeyStorage:        "Storage",
	KeySync:           "Sync",
	KeySyncMsg:        "SyncMsg",
	KeyWebSocket:      "WS",
	KeyWebSocketFrame: "WSFrame",
}

// enabledLogKeys is accessed atomically so log calls never take a lock.
var enabledLogKeys = uint64(KeyAll)

// EnableLogKeys replaces the set of enabled log keys.
func EnableLogKeys(keys LogKey) {
	atomic.StoreUint64(&enabledLogKeys, uint64(keys))
}

func logKeyEnabled(key LogKey) bool {
	enabled := LogKey(atomic.LoadUint64(&enabledLogKeys))
	return enabled&KeyAll != 0 || enabled&key != 0
}

func (key LogKey) String() string {
	if name, ok := logKeyNames[key]; ok {
		return name
	}
	names := make([]string, 0, 4)
	for k, name := range logKeyNames {
		if k != KeyNone && k != KeyAll && key&k != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "+")
}
