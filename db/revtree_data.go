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
	"encoding/binary"

	"github.com/couchbaselabs/morse/base"
)

// On-disk revision tree: a concatenation of variable-length records in
// display order. Each record is
//
//	flags      uint8   (persistent flags only)
//	revIDLen   uint8
//	parentIdx  uint16  little-endian; 0xFFFF = root
//	sequence   uint64  little-endian
//	bodyLen    uint32  little-endian
//	revID      revIDLen bytes
//	body       bodyLen bytes
//
// The parent index refers into this same sequence, so the encoding pins the
// display order and decode round-trips it exactly.

const (
	rawRevHeaderSize = 1 + 1 + 2 + 8 + 4
	rawRevNoParent   = uint16(0xFFFF)
)

// Encode serializes the tree. The tree is sorted first so that the record
// order is the display order.
func (tree *RevTree) Encode() []byte {
	tree.sort()

	size := 0
	for _, rev := range tree.revs {
		size += rawRevHeaderSize + len(rev.ID) + len(rev.Body)
	}

	index := make(map[*Rev]uint16, len(tree.revs))
	for i, rev := range tree.revs {
		index[rev] = uint16(i)
	}

	data := make([]byte, 0, size)
	for _, rev := range tree.revs {
		parentIdx := rawRevNoParent
		if rev.parent != nil {
			parentIdx = index[rev.parent]
		}
		var header [rawRevHeaderSize]byte
		header[0] = uint8(rev.Flags & persistentRevFlagsMask)
		header[1] = uint8(len(rev.ID))
		binary.LittleEndian.PutUint16(header[2:4], parentIdx)
		binary.LittleEndian.PutUint64(header[4:12], rev.Sequence)
		binary.LittleEndian.PutUint32(header[12:16], uint32(len(rev.Body)))
		data = append(data, header[:]...)
		data = append(data, rev.ID...)
		data = append(data, rev.Body...)
	}
	return data
}

// DecodeRevTree reconstructs a tree from its serialized form. Revisions whose
// stored sequence is 0 receive docSequence (they were written in the save
// that produced this record).
func DecodeRevTree(data []byte, docSequence uint64) (*RevTree, error) {
	tree := &RevTree{sorted: true}
	type pending struct {
		rev       *Rev
		parentIdx uint16
	}
	var nodes []pending

	for len(data) > 0 {
		if len(data) < rawRevHeaderSize {
			return nil, base.ErrCorruptRevision
		}
		flags := RevFlags(data[0]) & persistentRevFlagsMask
		revIDLen := int(data[1])
		parentIdx := binary.LittleEndian.Uint16(data[2:4])
		sequence := binary.LittleEndian.Uint64(data[4:12])
		bodyLen := int(binary.LittleEndian.Uint32(data[12:16]))
		data = data[rawRevHeaderSize:]

		if len(data) < revIDLen+bodyLen {
			return nil, base.ErrCorruptRevision
		}
		rev := &Rev{
			ID:       string(data[:revIDLen]),
			Flags:    flags,
			Sequence: sequence,
		}
		if bodyLen > 0 {
			rev.Body = make([]byte, bodyLen)
			copy(rev.Body, data[revIDLen:revIDLen+bodyLen])
		}
		if rev.Sequence == 0 {
			rev.Sequence = docSequence
		}
		data = data[revIDLen+bodyLen:]
		nodes = append(nodes, pending{rev, parentIdx})
		tree.revs = append(tree.revs, rev)
	}

	// Relink parents by index:
	for _, node := range nodes {
		if node.parentIdx != rawRevNoParent {
			if int(node.parentIdx) >= len(tree.revs) {
				return nil, base.ErrCorruptRevision
			}
			node.rev.parent = tree.revs[node.parentIdx]
		}
	}
	return tree, nil
}
