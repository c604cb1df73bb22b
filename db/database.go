//  Copyright (c) 2020 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
//  except in compliance with the License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing, software distributed under the
//  License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
//  either express or implied. See the License for the specific language governing permissions
//  and limitations under the License.

// Package db implements the versioned document layer: revision trees keyed by
// document ID over an ordered key/value store.
package db

import (
	"context"
	"sync"
	"time"

	"github.com/couchbaselabs/morse/base"
	"github.com/couchbaselabs/morse/blob"
	"github.com/couchbaselabs/morse/storage"
)

// DefaultMaxRevTreeDepth is the revision-tree depth documents are pruned to
// when DatabaseOptions doesn't say otherwise.
const DefaultMaxRevTreeDepth = 20

type DatabaseOptions struct {
	// MaxRevTreeDepth bounds the length of any root-to-leaf chain; saves
	// prune past it. 0 means DefaultMaxRevTreeDepth.
	MaxRevTreeDepth uint32 `json:"max_rev_tree_depth,omitempty"`

	// BlobStoreDir holds content-addressed attachments. Empty disables
	// attachment storage.
	BlobStoreDir string `json:"blob_store_dir,omitempty"`

	// BlobEncryptionKey, if non-nil, encrypts blob files (AES-256).
	BlobEncryptionKey []byte `json:"-"`
}

// Database is a named collection of versioned documents over a storage engine.
// All mutation is funneled through the storage engine's transactions; the
// replicator additionally serializes its access through a DB actor.
type Database struct {
	Name    string
	Options DatabaseOptions
	Ctx     context.Context

	store storage.Store
	blobs *blob.BlobStore

	listenerLock sync.Mutex
	listeners    []chan uint64
}

// GetDatabase wraps an open storage engine in a Database.
func GetDatabase(ctx context.Context, name string, store storage.Store, options DatabaseOptions) (*Database, error) {
	if options.MaxRevTreeDepth == 0 {
		options.MaxRevTreeDepth = DefaultMaxRevTreeDepth
	}
	database := &Database{
		Name:    name,
		Options: options,
		Ctx:     ctx,
		store:   store,
	}
	if options.BlobStoreDir != "" {
		blobOptions := blob.Options{Create: true, EncryptionKey: options.BlobEncryptionKey}
		if options.BlobEncryptionKey != nil {
			blobOptions.EncryptionAlgorithm = blob.EncryptionAES256
		}
		blobs, err := blob.OpenStore(options.BlobStoreDir, &blobOptions)
		if err != nil {
			return nil, err
		}
		database.blobs = blobs
	}
	base.InfofCtx(ctx, base.KeyCRUD, "Opened database %q (maxRevTreeDepth=%d)", name, options.MaxRevTreeDepth)
	return database, nil
}

func (db *Database) Store() storage.Store { return db.store }

// BlobStore returns the attachment store, or nil if none is configured.
func (db *Database) BlobStore() *blob.BlobStore { return db.blobs }

// LastSequence returns the highest sequence assigned by the storage engine.
func (db *Database) LastSequence() (uint64, error) {
	return db.store.LastSequence()
}

// SetDocumentExpiration passes an expiry time through to the storage engine.
func (db *Database) SetDocumentExpiration(docID string, when time.Time) error {
	return db.store.SetDocumentExpiration(docID, when)
}

//////// CHANGE NOTIFICATION:

// ChangesListener returns a channel that receives the sequence of every
// subsequent save. Used by continuous replications to wake up after catch-up.
func (db *Database) ChangesListener() chan uint64 {
	db.listenerLock.Lock()
	defer db.listenerLock.Unlock()
	listener := make(chan uint64, 16)
	db.listeners = append(db.listeners, listener)
	return listener
}

func (db *Database) RemoveChangesListener(listener chan uint64) {
	db.listenerLock.Lock()
	defer db.listenerLock.Unlock()
	for i, l := range db.listeners {
		if l == listener {
			db.listeners = append(db.listeners[:i], db.listeners[i+1:]...)
			close(l)
			return
		}
	}
}

func (db *Database) notifyChange(seq uint64) {
	db.listenerLock.Lock()
	defer db.listenerLock.Unlock()
	for _, listener := range db.listeners {
		select {
		case listener <- seq:
		default: // listener is behind; it will re-read from its checkpoint
		}
	}
}

//////// CHANGES FEED:

// ChangeEntry is one row of the changes feed.
type ChangeEntry struct {
	Seq      uint64
	DocID    string
	RevID    string
	Deleted  bool
	BodySize int
}

// ChangesSince returns up to limit changes with sequence > since, in sequence
// order. Each row reports the document's current revision.
func (db *Database) ChangesSince(since uint64, limit int) ([]*ChangeEntry, error) {
	records, err := db.store.EnumerateSince(since, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]*ChangeEntry, 0, len(records))
	for _, record := range records {
		doc := docFromRecord(record)
		tree, err := doc.Tree()
		if err != nil {
			base.WarnfCtx(db.Ctx, base.KeyChanges, "Skipping corrupt doc %q in changes feed: %v", record.DocID, err)
			continue
		}
		current := tree.CurrentRevision()
		if current == nil {
			continue
		}
		entries = append(entries, &ChangeEntry{
			Seq:      doc.Sequence,
			DocID:    doc.ID,
			RevID:    current.ID,
			Deleted:  current.IsDeleted(),
			BodySize: len(current.Body),
		})
	}
	return entries, nil
}

//////// LOCAL DOCS:

// Local documents carry replication checkpoints. They are rev-guarded:
// a put with a stale rev fails with a 409.

type localDoc struct {
	Rev  string                 `json:"rev"`
	Body map[string]interface{} `json:"body"`
}

// GetLocal returns a local document's body and rev.
func (db *Database) GetLocal(key string) (body map[string]interface{}, rev string, err error) {
	raw, err := db.store.GetLocal(key)
	if err != nil {
		return nil, "", err
	}
	var doc localDoc
	if err := base.JSONUnmarshal(raw, &doc); err != nil {
		return nil, "", err
	}
	return doc.Body, doc.Rev, nil
}

// PutLocal writes a local document, guarded by the caller's last-known rev.
func (db *Database) PutLocal(key string, parentRev string, body map[string]interface{}) (newRev string, err error) {
	var generation uint32
	if raw, getErr := db.store.GetLocal(key); getErr == nil {
		var current localDoc
		if err := base.JSONUnmarshal(raw, &current); err != nil {
			return "", err
		}
		if current.Rev != parentRev {
			return "", base.HTTPErrorf(409, "local doc %q rev mismatch", key)
		}
		generation = genOfRevID(current.Rev)
	} else if !base.IsDocNotFoundError(getErr) {
		return "", getErr
	} else if parentRev != "" {
		return "", base.HTTPErrorf(409, "local doc %q does not exist", key)
	}

	newRev = createRevID(generation+1, parentRev, nil)
	raw, err := base.JSONMarshal(localDoc{Rev: newRev, Body: body})
	if err != nil {
		return "", err
	}
	return newRev, db.store.PutLocal(key, raw)
}
