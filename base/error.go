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
	"fmt"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

// Simple error implementation wrapping an HTTP response status.
type HTTPError struct {
	Status  int
	Message string
}

func (err *HTTPError) Error() string {
	return fmt.Sprintf("%d %s", err.Status, err.Message)
}

func HTTPErrorf(status int, format string, args ...interface{}) *HTTPError {
	return &HTTPError{status, fmt.Sprintf(format, args...)}
}

// ErrorDomain classifies a MorseError.
type ErrorDomain int

const (
	InternalDomain ErrorDomain = iota + 1
	POSIXDomain
	StorageDomain
	SQLDomain
	HTTPDomain
	NetworkDomain
	WebSocketDomain
)

var errorDomainNames = []string{"", "Internal", "POSIX", "Storage", "SQL", "HTTP", "Network", "WebSocket"}

func (d ErrorDomain) String() string {
	if int(d) < len(errorDomainNames) {
		return errorDomainNames[d]
	}
	return fmt.Sprintf("ErrorDomain(%d)", int(d))
}

// InternalDomain error codes.
const (
	ErrAssertionFailed = iota + 1
	ErrUnimplemented
	ErrNoSequences
	ErrUnsupportedEncryption
	ErrBadRevisionID
	ErrBadVersionVector
	ErrCorruptRevisionData
	ErrCorruptIndexData
	ErrCorruptData
	ErrTokenizerError
	ErrNotFound
	ErrConflict
	ErrBadDocID
	ErrRemoteError
)

// NetworkDomain error codes.
const (
	ErrTLSClientCertRejected = iota + 1
	ErrUnknownHost
	ErrDNSFailure
)

// MorseError is the tagged (domain, code) error carrier used below the HTTP
// boundary. Assertion failures are MorseErrors too, but callers must treat
// them as non-recoverable.
type MorseError struct {
	Domain  ErrorDomain
	Code    int
	Message string
}

func (err *MorseError) Error() string {
	return fmt.Sprintf("%s error %d: %s", err.Domain, err.Code, err.Message)
}

func MorseErrorf(domain ErrorDomain, code int, format string, args ...interface{}) *MorseError {
	return &MorseError{domain, code, fmt.Sprintf(format, args...)}
}

// Common sentinel errors.
var (
	ErrDocNotFound     = &MorseError{InternalDomain, ErrNotFound, "not found"}
	ErrRevConflict     = &MorseError{InternalDomain, ErrConflict, "conflict"}
	ErrCorruptRevision = &MorseError{InternalDomain, ErrCorruptRevisionData, "corrupt revision data"}
)

// Attempts to map an error to an HTTP status code and message.
// Defaults to 500 if it doesn't recognize the error. Returns 200 for a nil error.
func ErrorAsHTTPStatus(err error) (int, string) {
	if err == nil {
		return 200, "OK"
	}
	switch err := pkgerrors.Cause(err).(type) {
	case *HTTPError:
		return err.Status, err.Message
	case *MorseError:
		switch {
		case err.Domain == InternalDomain && err.Code == ErrNotFound:
			return http.StatusNotFound, "missing"
		case err.Domain == InternalDomain && err.Code == ErrConflict:
			return http.StatusConflict, "Conflict"
		case err.Domain == InternalDomain && (err.Code == ErrBadRevisionID || err.Code == ErrBadDocID):
			return http.StatusBadRequest, err.Message
		case err.Domain == InternalDomain && (err.Code == ErrCorruptRevisionData || err.Code == ErrCorruptData):
			return http.StatusInternalServerError, err.Message
		}
		return http.StatusInternalServerError, err.Message
	}
	return http.StatusInternalServerError, fmt.Sprintf("Internal error: %v", err)
}

// Returns true if an error is a doc-not-found error
func IsDocNotFoundError(err error) bool {
	switch err := pkgerrors.Cause(err).(type) {
	case *MorseError:
		return err.Domain == InternalDomain && err.Code == ErrNotFound
	case *HTTPError:
		return err.Status == http.StatusNotFound
	default:
		return false
	}
}
