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
	"github.com/couchbaselabs/morse/storage"
)

// DocumentFlags is the document-level flag bitset persisted with the record.
type DocumentFlags uint8

const (
	DocExists DocumentFlags = 1 << iota
	DocDeleted
	DocConflicted
	DocHasAttachments
)

// VersionedDocument couples a revision tree with its storage identity.
// The tree is decoded lazily from the record blob on first access.
type VersionedDocument struct {
	ID       string
	Sequence uint64 // highest assigned sequence
	Flags    DocumentFlags

	tree    *RevTree
	rawTree []byte // serialized form, held for lazy decode
}

// NewVersionedDocument returns an empty in-memory document.
func NewVersionedDocument(docID string) *VersionedDocument {
	return &VersionedDocument{ID: docID, tree: &RevTree{}}
}

// docFromRecord materializes a document from a storage record without
// decoding the tree.
func docFromRecord(record *storage.Record) *VersionedDocument {
	return &VersionedDocument{
		ID:       record.DocID,
		Sequence: record.Sequence,
		Flags:    DocumentFlags(record.Flags),
		rawTree:  record.Body,
	}
}

// Tree returns the document's revision tree, decoding it on first use.
func (doc *VersionedDocument) Tree() (*RevTree, error) {
	if doc.tree == nil {
		tree, err := DecodeRevTree(doc.rawTree, doc.Sequence)
		if err != nil {
			return nil, err
		}
		doc.tree = tree
		doc.rawTree = nil
	}
	return doc.tree, nil
}

func (doc *VersionedDocument) Exists() bool {
	return doc.Flags&DocExists != 0
}

// CurrentRevID returns the ID of the current revision, or "".
func (doc *VersionedDocument) CurrentRevID() string {
	tree, err := doc.Tree()
	if err != nil {
		return ""
	}
	if current := tree.CurrentRevision(); current != nil {
		return current.ID
	}
	return ""
}

// updateFlags recomputes the document flags from the tree's current state.
func (doc *VersionedDocument) updateFlags() error {
	tree, err := doc.Tree()
	if err != nil {
		return err
	}
	flags := DocumentFlags(0)
	if current := tree.CurrentRevision(); current != nil {
		flags |= DocExists
		if current.IsDeleted() {
			flags |= DocDeleted
		}
		if current.HasAttachments() {
			flags |= DocHasAttachments
		}
	}
	if tree.HasConflict() {
		flags |= DocConflicted
	}
	doc.Flags = flags
	return nil
}
