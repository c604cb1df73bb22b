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
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorAsHTTPStatus(t *testing.T) {
	status, _ := ErrorAsHTTPStatus(nil)
	assert.Equal(t, 200, status)

	status, message := ErrorAsHTTPStatus(HTTPErrorf(409, "Conflict"))
	assert.Equal(t, 409, status)
	assert.Equal(t, "Conflict", message)

	status, _ = ErrorAsHTTPStatus(ErrDocNotFound)
	assert.Equal(t, 404, status)

	status, _ = ErrorAsHTTPStatus(ErrRevConflict)
	assert.Equal(t, 409, status)

	status, _ = ErrorAsHTTPStatus(MorseErrorf(InternalDomain, ErrBadRevisionID, "bad rev"))
	assert.Equal(t, 400, status)

	// Wrapped errors unwrap to their cause:
	wrapped := pkgerrors.Wrap(ErrDocNotFound, "loading doc")
	status, _ = ErrorAsHTTPStatus(wrapped)
	assert.Equal(t, 404, status)
}

func TestIsDocNotFoundError(t *testing.T) {
	assert.True(t, IsDocNotFoundError(ErrDocNotFound))
	assert.True(t, IsDocNotFoundError(HTTPErrorf(404, "missing")))
	assert.True(t, IsDocNotFoundError(pkgerrors.Wrap(ErrDocNotFound, "ctx")))
	assert.False(t, IsDocNotFoundError(ErrRevConflict))
	assert.False(t, IsDocNotFoundError(nil))
}

func TestErrorDomainString(t *testing.T) {
	assert.Equal(t, "Internal", InternalDomain.String())
	assert.Equal(t, "WebSocket", WebSocketDomain.String())
	err := MorseErrorf(NetworkDomain, ErrDNSFailure, "no such host")
	assert.Contains(t, err.Error(), "Network")
}
