//  Copyright (c) 2020 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
//  except in compliance with the License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing, software distributed under the
//  License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
//  either express or implied. See the License for the specific language governing permissions
//  and limitations under the License.

package base

import "sort"

// SequenceSet is a sparse ordered set of database sequences. The replicator
// uses one to track sequences that have been handed out but not yet confirmed
// complete: the set is the complement of an advancing checkpoint.
//
// Not safe for concurrent use; callers serialize access (the replicator owns
// one per direction inside its actor).
type SequenceSet struct {
	sequences []uint64 // sorted ascending
	maxEver   uint64
}

// Clear empties the set and resets the MaxEver value to max.
func (s *SequenceSet) Clear(max uint64) {
	s.sequences = s.sequences[:0]
	s.maxEver = max
}

func (s *SequenceSet) Empty() bool {
	return len(s.sequences) == 0
}

func (s *SequenceSet) Size() int {
	return len(s.sequences)
}

// First returns the lowest sequence in the set, or 0 if the set is empty.
func (s *SequenceSet) First() uint64 {
	if len(s.sequences) == 0 {
		return 0
	}
	return s.sequences[0]
}

// MaxEver returns the largest sequence ever added. Clear resets it.
func (s *SequenceSet) MaxEver() uint64 {
	return s.maxEver
}

func (s *SequenceSet) search(seq uint64) int {
	return sort.Search(len(s.sequences), func(i int) bool { return s.sequences[i] >= seq })
}

func (s *SequenceSet) Contains(seq uint64) bool {
	i := s.search(seq)
	return i < len(s.sequences) && s.sequences[i] == seq
}

func (s *SequenceSet) Add(seq uint64) {
	if seq > s.maxEver {
		s.maxEver = seq
	}
	i := s.search(seq)
	if i < len(s.sequences) && s.sequences[i] == seq {
		return
	}
	s.sequences = append(s.sequences, 0)
	copy(s.sequences[i+1:], s.sequences[i:])
	s.sequences[i] = seq
}

func (s *SequenceSet) Remove(seq uint64) {
	i := s.search(seq)
	if i < len(s.sequences) && s.sequences[i] == seq {
		s.sequences = append(s.sequences[:i], s.sequences[i+1:]...)
	}
}
