//  Copyright (c) 2020 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
//  except in compliance with the License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing, software distributed under the
//  License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
//  either express or implied. See the License for the specific language governing permissions
//  and limitations under the License.

// Package storage defines the ordered key/value storage-engine boundary the
// document layer is written against, and a Badger-backed implementation.
package storage

import "time"

// Record is one stored document: an opaque body plus the monotonic sequence
// assigned when it was last saved.
type Record struct {
	DocID    string
	Body     []byte
	Flags    uint8
	Sequence uint64
}

// Store is the storage-engine contract. Implementations provide transactional
// put/get/delete by key and enumeration by monotonic sequence.
//
// Reads outside a Transaction see the last committed state. All mutation goes
// through a Transaction.
type Store interface {
	// Get returns the record for docID, or base.ErrDocNotFound.
	Get(docID string) (*Record, error)

	// GetBySequence returns the record most recently saved at seq, or
	// base.ErrDocNotFound if no document currently holds that sequence.
	GetBySequence(seq uint64) (*Record, error)

	// EnumerateSince returns up to limit records with sequence > since, in
	// ascending sequence order. limit <= 0 means no limit.
	EnumerateSince(since uint64, limit int) ([]*Record, error)

	// LastSequence returns the highest sequence assigned so far.
	LastSequence() (uint64, error)

	// SetDocumentExpiration arranges for docID to expire at the given time.
	SetDocumentExpiration(docID string, when time.Time) error

	// GetLocal reads a local (unsequenced, unreplicated) document, or
	// base.ErrDocNotFound. Local documents hold checkpoints and similar
	// bookkeeping; they never appear in EnumerateSince.
	GetLocal(key string) ([]byte, error)

	// PutLocal writes a local document. A nil value deletes it.
	PutLocal(key string, value []byte) error

	// BeginTransaction starts a read-write transaction. The returned
	// Transaction must be finished with End on every exit path.
	BeginTransaction() Transaction

	Close() error
}

// Transaction is a scoped read-write transaction. A Transaction that is ended
// without an explicit Commit aborts; Commit and End are idempotent after the
// first call that finishes the transaction.
type Transaction interface {
	// Get reads a record inside the transaction.
	Get(docID string) (*Record, error)

	// Put saves a record body and returns the newly assigned sequence.
	Put(docID string, body []byte, flags uint8) (uint64, error)

	// Delete removes a record and its sequence index entry.
	Delete(docID string) error

	// Commit makes the transaction's writes durable.
	Commit() error

	// End aborts the transaction unless Commit was already called.
	End()
}
