//  Copyright (c) 2020 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
//  except in compliance with the License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing, software distributed under the
//  License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
//  either express or implied. See the License for the specific language governing permissions
//  and limitations under the License.

package db

import (
	"github.com/couchbaselabs/morse/base"
	"github.com/couchbaselabs/morse/storage"
	"github.com/pkg/errors"
)

// GetDocument loads a document. With mustExist false, a missing document is
// returned as an empty in-memory document (flags 0, no revisions).
func (db *Database) GetDocument(docID string, mustExist bool) (*VersionedDocument, error) {
	if docID == "" {
		return nil, base.MorseErrorf(base.InternalDomain, base.ErrBadDocID, "empty doc ID")
	}
	record, err := db.store.Get(docID)
	if err != nil {
		if base.IsDocNotFoundError(err) && !mustExist {
			return NewVersionedDocument(docID), nil
		}
		return nil, err
	}
	return docFromRecord(record), nil
}

// RevisionBody returns the stored body of one revision of a document.
// A revision whose body was compacted away returns ErrDocNotFound.
func (db *Database) RevisionBody(docID, revID string) ([]byte, error) {
	doc, err := db.GetDocument(docID, true)
	if err != nil {
		return nil, err
	}
	tree, err := doc.Tree()
	if err != nil {
		return nil, err
	}
	rev := tree.Get(revID)
	if rev == nil || rev.Body == nil {
		return nil, base.ErrDocNotFound
	}
	return rev.Body, nil
}

// RevisionHistory returns the ancestry of a revision, newest first.
func (db *Database) RevisionHistory(docID, revID string) ([]string, error) {
	doc, err := db.GetDocument(docID, true)
	if err != nil {
		return nil, err
	}
	tree, err := doc.Tree()
	if err != nil {
		return nil, err
	}
	rev := tree.Get(revID)
	if rev == nil {
		return nil, base.ErrDocNotFound
	}
	history := rev.History()
	ids := make([]string, len(history))
	for i, r := range history {
		ids[i] = r.ID
	}
	return ids, nil
}

// PutExistingRev adds a revision with a known ID and ancestry (the pull
// replication write path, and the general entry point for writes that carry
// their own revision IDs). history[0] is the new revision, oldest last.
// Returns the index of the common ancestor within history.
func (db *Database) PutExistingRev(docID string, history []string, body []byte, revFlags RevFlags, save bool) (doc *VersionedDocument, commonAncestorIndex int, err error) {
	if len(history) == 0 {
		return nil, -1, base.HTTPErrorf(400, "empty revision history")
	}

	txn := db.store.BeginTransaction()
	defer txn.End()

	doc, err = db.getDocumentForUpdate(txn, docID)
	if err != nil {
		return nil, -1, err
	}
	tree, err := doc.Tree()
	if err != nil {
		return nil, -1, err
	}

	commonAncestorIndex = tree.InsertHistory(history, body, revFlags)
	if commonAncestorIndex < 0 {
		return nil, -1, base.HTTPErrorf(400, "invalid revision history for doc %q", docID)
	}

	if save && tree.Changed() {
		if err := db.saveDocument(txn, doc); err != nil {
			return nil, -1, err
		}
		if err := txn.Commit(); err != nil {
			return nil, -1, errors.Wrapf(err, "saving doc %q", docID)
		}
		db.notifyChange(doc.Sequence)
	}
	return doc, commonAncestorIndex, nil
}

// PutRev inserts one new revision as a child of parentRevID (possibly "").
// The status result follows the insert mapping: 201 created, 200 no-op
// (already present), 400/404/409 as errors.
func (db *Database) PutRev(docID, revID string, body []byte, revFlags RevFlags, parentRevID string, allowConflict bool) (doc *VersionedDocument, status int, err error) {
	txn := db.store.BeginTransaction()
	defer txn.End()

	doc, err = db.getDocumentForUpdate(txn, docID)
	if err != nil {
		return nil, 500, err
	}
	tree, err := doc.Tree()
	if err != nil {
		return nil, 500, err
	}

	rev, status := tree.Insert(revID, body, revFlags, parentRevID, allowConflict)
	if rev == nil {
		if status >= 400 {
			return nil, status, base.HTTPErrorf(status, "can't insert rev %q of doc %q", revID, docID)
		}
		return doc, status, nil // idempotent no-op
	}

	if err := db.saveDocument(txn, doc); err != nil {
		return nil, 500, err
	}
	if err := txn.Commit(); err != nil {
		return nil, 500, errors.Wrapf(err, "saving doc %q", docID)
	}
	db.notifyChange(doc.Sequence)
	return doc, status, nil
}

// PurgeRevision removes a leaf revision and its exclusive ancestors.
// Returns the number of revisions purged.
func (db *Database) PurgeRevision(docID, revID string) (int, error) {
	txn := db.store.BeginTransaction()
	defer txn.End()

	doc, err := db.getDocumentForUpdate(txn, docID)
	if err != nil {
		return 0, err
	}
	tree, err := doc.Tree()
	if err != nil {
		return 0, err
	}
	nPurged := tree.Purge(revID)
	if nPurged == 0 {
		return 0, nil
	}
	if tree.RevCount() == 0 {
		if err := txn.Delete(docID); err != nil {
			return 0, err
		}
	} else if err := db.saveDocument(txn, doc); err != nil {
		return 0, err
	}
	if err := txn.Commit(); err != nil {
		return 0, err
	}
	return nPurged, nil
}

// ResolveConflict merges two conflicting leaves into a new revision parented
// on the winner; the losing branch is purged.
func (db *Database) ResolveConflict(docID, winningRevID, losingRevID string, mergedBody []byte) (*Rev, error) {
	txn := db.store.BeginTransaction()
	defer txn.End()

	doc, err := db.getDocumentForUpdate(txn, docID)
	if err != nil {
		return nil, err
	}
	tree, err := doc.Tree()
	if err != nil {
		return nil, err
	}
	merged, err := tree.ResolveConflict(winningRevID, losingRevID, mergedBody)
	if err != nil {
		return nil, err
	}
	if err := db.saveDocument(txn, doc); err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	db.notifyChange(doc.Sequence)
	return merged, nil
}

// Compact drops non-leaf bodies across a document and re-prunes it.
func (db *Database) Compact(docID string) error {
	txn := db.store.BeginTransaction()
	defer txn.End()

	doc, err := db.getDocumentForUpdate(txn, docID)
	if err != nil {
		return err
	}
	tree, err := doc.Tree()
	if err != nil {
		return err
	}
	tree.RemoveNonLeafBodies()
	tree.Prune(db.Options.MaxRevTreeDepth)
	if !tree.Changed() {
		return nil
	}
	if err := db.saveDocument(txn, doc); err != nil {
		return err
	}
	return txn.Commit()
}

func (db *Database) getDocumentForUpdate(txn storage.Transaction, docID string) (*VersionedDocument, error) {
	if docID == "" {
		return nil, base.MorseErrorf(base.InternalDomain, base.ErrBadDocID, "empty doc ID")
	}
	record, err := txn.Get(docID)
	if err != nil {
		if base.IsDocNotFoundError(err) {
			return NewVersionedDocument(docID), nil
		}
		return nil, err
	}
	return docFromRecord(record), nil
}

// saveDocument prunes, drops the bodies of previously saved non-leaf revisions
// not pinned by KeepBody, re-derives document flags, encodes the tree, and
// writes the record; the newly assigned sequence is stamped onto the tree.
func (db *Database) saveDocument(txn storage.Transaction, doc *VersionedDocument) error {
	tree, err := doc.Tree()
	if err != nil {
		return err
	}
	tree.Prune(db.Options.MaxRevTreeDepth)
	tree.RemoveNonLeafBodies()
	if err := doc.updateFlags(); err != nil {
		return err
	}
	data := tree.Encode()
	seq, err := txn.Put(doc.ID, data, uint8(doc.Flags))
	if err != nil {
		return err
	}
	doc.Sequence = seq
	tree.Saved(seq)
	base.DebugfCtx(db.Ctx, base.KeyCRUD, "Saved doc %q rev %q as seq %d", doc.ID, doc.CurrentRevID(), seq)
	return nil
}
