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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceSetBasics(t *testing.T) {
	var set SequenceSet
	assert.True(t, set.Empty())
	assert.Equal(t, uint64(0), set.First())
	assert.Equal(t, uint64(0), set.MaxEver())

	set.Add(5)
	assert.True(t, set.Contains(5))
	assert.False(t, set.Contains(4))
	assert.Equal(t, uint64(5), set.First())
	assert.Equal(t, uint64(5), set.MaxEver())

	set.Add(3)
	set.Add(9)
	assert.Equal(t, 3, set.Size())
	assert.Equal(t, uint64(3), set.First())
	assert.Equal(t, uint64(9), set.MaxEver())

	// Duplicate add is a no-op:
	set.Add(5)
	assert.Equal(t, 3, set.Size())

	set.Remove(3)
	assert.False(t, set.Contains(3))
	assert.Equal(t, uint64(5), set.First())
	// MaxEver survives removal:
	set.Remove(9)
	assert.Equal(t, uint64(9), set.MaxEver())

	// Removing an absent member is a no-op:
	set.Remove(100)
	assert.Equal(t, 1, set.Size())

	set.Clear(12)
	assert.True(t, set.Empty())
	assert.Equal(t, uint64(12), set.MaxEver())
}

func TestSequenceSetOrdering(t *testing.T) {
	var set SequenceSet
	seqs := rand.Perm(200)
	for _, s := range seqs {
		set.Add(uint64(s + 1))
	}
	assert.Equal(t, 200, set.Size())
	assert.Equal(t, uint64(1), set.First())
	assert.Equal(t, uint64(200), set.MaxEver())

	// Removing in ascending order advances First:
	for expected := uint64(1); expected <= 200; expected++ {
		assert.Equal(t, expected, set.First())
		set.Remove(expected)
	}
	assert.True(t, set.Empty())
}
