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
	"crypto/sha1"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 1-one -- 2-two -- 3-three
func testTree(t *testing.T) *RevTree {
	tree := &RevTree{}
	mustInsert(t, tree, "1-one", []byte(`{"n":1}`), 0, "")
	mustInsert(t, tree, "2-two", []byte(`{"n":2}`), 0, "1-one")
	mustInsert(t, tree, "3-three", []byte(`{"n":3}`), 0, "2-two")
	return tree
}

//               / 3-three
// 1-one -- 2-two
//               \ 3-drei
func branchyTree(t *testing.T) *RevTree {
	tree := testTree(t)
	rev, status := tree.Insert("3-drei", []byte(`{"n":3}`), 0, "2-two", true)
	require.NotNil(t, rev)
	require.Equal(t, 201, status)
	return tree
}

func mustInsert(t *testing.T, tree *RevTree, revid string, body []byte, flags RevFlags, parent string) *Rev {
	rev, status := tree.Insert(revid, body, flags, parent, false)
	require.NotNil(t, rev, "inserting %s (status %d)", revid, status)
	require.Equal(t, 201, status)
	return rev
}

func TestRevTreeInsert(t *testing.T) {
	tree := testTree(t)
	assert.Equal(t, 3, tree.RevCount())

	rev := tree.Get("2-two")
	require.NotNil(t, rev)
	assert.False(t, rev.IsLeaf())
	assert.Equal(t, "1-one", rev.parent.ID)

	current := tree.CurrentRevision()
	require.NotNil(t, current)
	assert.Equal(t, "3-three", current.ID)
	assert.True(t, current.IsLeaf())
	assert.False(t, current.IsConflict())
}

func TestRevTreeInsertStatuses(t *testing.T) {
	tree := testTree(t)

	// Duplicate insert is an idempotent no-op:
	countBefore := tree.RevCount()
	rev, status := tree.Insert("2-two", []byte(`{}`), 0, "1-one", false)
	assert.Nil(t, rev)
	assert.Equal(t, 200, status)
	assert.Equal(t, countBefore, tree.RevCount())

	// Generation must be parent+1:
	rev, status = tree.Insert("5-skip", []byte(`{}`), 0, "3-three", false)
	assert.Nil(t, rev)
	assert.Equal(t, 400, status)

	// Generation 0 is invalid:
	rev, status = tree.Insert("bogus", []byte(`{}`), 0, "3-three", false)
	assert.Nil(t, rev)
	assert.Equal(t, 400, status)

	// Unknown parent:
	rev, status = tree.Insert("4-four", []byte(`{}`), 0, "3-missing", false)
	assert.Nil(t, rev)
	assert.Equal(t, 404, status)

	// Non-leaf parent without allowConflict:
	rev, status = tree.Insert("3-other", []byte(`{}`), 0, "2-two", false)
	assert.Nil(t, rev)
	assert.Equal(t, 409, status)

	// Second root without allowConflict:
	rev, status = tree.Insert("1-root2", []byte(`{}`), 0, "", false)
	assert.Nil(t, rev)
	assert.Equal(t, 409, status)
}

func TestRevTreeSecondRootIsConflict(t *testing.T) {
	tree := testTree(t)
	rev, status := tree.Insert("1-root2", []byte(`{}`), 0, "", true)
	require.NotNil(t, rev)
	assert.Equal(t, 201, status)
	assert.True(t, rev.IsConflict())
}

func TestRevTreeKeepBody(t *testing.T) {
	tree := &RevTree{}
	mustInsert(t, tree, "1-a", []byte(`{"n":1}`), 0, "")
	mustInsert(t, tree, "2-b", []byte(`{"n":2}`), RevKeepBody, "1-a")

	// Re-insert is a no-op:
	rev, status := tree.Insert("2-b", []byte(`{"n":2}`), RevKeepBody, "1-a", false)
	assert.Nil(t, rev)
	assert.Equal(t, 200, status)

	mustInsert(t, tree, "3-c", []byte(`{"n":3}`), 0, "2-b")

	assert.Equal(t, "3-c", tree.CurrentRevision().ID)
	assert.True(t, tree.Get("2-b").KeepsBody())

	// A new KeepBody rev steals the flag from its ancestors:
	mustInsert(t, tree, "4-d", []byte(`{"n":4}`), RevKeepBody, "3-c")
	assert.False(t, tree.Get("2-b").KeepsBody())
	assert.True(t, tree.Get("4-d").KeepsBody())
}

func TestRevTreeSortOrder(t *testing.T) {
	tree := branchyTree(t)

	// Both leaves are live; the greater revID wins:
	current := tree.CurrentRevision()
	assert.Equal(t, "3-three", current.ID)
	assert.True(t, tree.HasConflict())

	// Deleting the winner flips the current rev to the other leaf:
	mustInsert(t, tree, "4-del", nil, RevDeleted, "3-three")
	current = tree.CurrentRevision()
	assert.Equal(t, "3-drei", current.ID)
	assert.True(t, current.IsLeaf())
	assert.False(t, tree.HasConflict())
}

func TestRevTreeInsertHistory(t *testing.T) {
	tree := &RevTree{}
	mustInsert(t, tree, "1-a", []byte(`{}`), 0, "")
	mustInsert(t, tree, "2-b", []byte(`{}`), RevKeepBody, "1-a")
	mustInsert(t, tree, "3-aaaaaa", []byte(`{}`), 0, "2-b")

	// Pull a conflicting branch whose common ancestor is 2-b:
	common := tree.InsertHistory([]string{"4-dddd", "3-ababab", "2-b"}, []byte(`{"via":"pull"}`), RevForeign)
	assert.Equal(t, 2, common)

	require.NotNil(t, tree.Get("3-ababab"))
	assert.True(t, tree.Get("3-ababab").IsForeign())
	assert.Nil(t, tree.Get("3-ababab").Body)

	leaf := tree.Get("4-dddd")
	require.NotNil(t, leaf)
	assert.True(t, leaf.IsLeaf())
	assert.True(t, leaf.IsConflict())

	// Both leaves coexist:
	assert.True(t, tree.Get("3-aaaaaa").IsLeaf())
	assert.True(t, tree.HasConflict())

	// Re-pulling the same history is a no-op (common ancestor is the leaf):
	countBefore := tree.RevCount()
	common = tree.InsertHistory([]string{"4-dddd", "3-ababab", "2-b"}, []byte(`{}`), RevForeign)
	assert.Equal(t, 0, common)
	assert.Equal(t, countBefore, tree.RevCount())

	// Generation gap in the history is rejected:
	common = tree.InsertHistory([]string{"6-x", "4-dddd"}, []byte(`{}`), 0)
	assert.Equal(t, -1, common)
}

func TestRevTreeCommonAncestor(t *testing.T) {
	tree := &RevTree{}
	mustInsert(t, tree, "1-a", nil, 0, "")
	mustInsert(t, tree, "2-b", nil, 0, "1-a")
	mustInsert(t, tree, "3-aaaaaa", nil, 0, "2-b")
	tree.InsertHistory([]string{"4-dddd", "3-ababab", "2-b"}, nil, 0)

	a := tree.Get("3-aaaaaa")
	b := tree.Get("4-dddd")
	ancestor := tree.CommonAncestor(a, b)
	require.NotNil(t, ancestor)
	assert.Equal(t, "2-b", ancestor.ID)

	// Order-independent:
	assert.Equal(t, ancestor, tree.CommonAncestor(b, a))
	// Equal inputs return the node itself:
	assert.Equal(t, a, tree.CommonAncestor(a, a))
	// An ancestor of itself:
	assert.Equal(t, tree.Get("2-b"), tree.CommonAncestor(tree.Get("2-b"), b))
}

func TestRevTreeResolveConflict(t *testing.T) {
	tree := &RevTree{}
	mustInsert(t, tree, "1-a", nil, 0, "")
	mustInsert(t, tree, "2-b", []byte(`{"n":2}`), RevKeepBody, "1-a")
	mustInsert(t, tree, "3-aaaaaa", nil, 0, "2-b")
	tree.InsertHistory([]string{"4-dddd", "3-ababab", "2-b"}, []byte(`{"via":"pull"}`), RevForeign)

	mergedBody := []byte(`{"merged":true}`)
	merged, err := tree.ResolveConflict("4-dddd", "3-aaaaaa", mergedBody)
	require.NoError(t, err)

	// Deterministic merged revID: gen = max(4,3)+1, digest = SHA1(winner+loser+body):
	digest := sha1.Sum([]byte("4-dddd" + "3-aaaaaa" + `{"merged":true}`))
	expectedRevID := fmt.Sprintf("5-%x", digest)
	assert.Equal(t, expectedRevID, merged.ID)
	assert.Equal(t, uint32(5), merged.Generation())
	assert.Equal(t, "4-dddd", merged.parent.ID)

	// Losing branch is gone; merged rev is current and conflict-free:
	assert.Nil(t, tree.Get("3-aaaaaa"))
	assert.Equal(t, merged, tree.CurrentRevision())
	assert.False(t, tree.HasConflict())
	assert.False(t, merged.IsConflict())
	for rev := merged; rev != nil; rev = rev.parent {
		assert.False(t, rev.IsConflict(), "rev %s still flagged as conflict", rev.ID)
	}
}

func TestRevTreePrune(t *testing.T) {
	tree := &RevTree{}
	const chainLen = 50
	parent := ""
	for gen := 1; gen <= chainLen; gen++ {
		mustInsert(t, tree, fmt.Sprintf("%d-x", gen), []byte(`{}`), 0, parent)
		parent = fmt.Sprintf("%d-x", gen)
	}

	pruned := tree.Prune(30)
	assert.Equal(t, chainLen-30, pruned)
	assert.Equal(t, 30, tree.RevCount())

	// Depth from the leaf to its root is exactly 30:
	depth := 0
	for rev := tree.CurrentRevision(); rev != nil; rev = rev.parent {
		depth++
	}
	assert.Equal(t, 30, depth)

	// The deepest retained generation trails the newest by maxDepth-1:
	deepest := tree.Get(fmt.Sprintf("%d-x", chainLen-29))
	require.NotNil(t, deepest)
	assert.Nil(t, deepest.parent)

	// Pruning an already-short tree is a no-op:
	assert.Equal(t, 0, tree.Prune(30))
}

func TestRevTreePurgeBranch(t *testing.T) {
	// Single chain: purging the leaf walks all the way to the root.
	tree := testTree(t)
	assert.Equal(t, 3, tree.Purge("3-three"))
	assert.Equal(t, 0, tree.RevCount())

	// Branchy: purge stops at the branch point.
	tree = branchyTree(t)
	assert.Equal(t, 1, tree.Purge("3-drei"))
	assert.Equal(t, 3, tree.RevCount())
	assert.Nil(t, tree.Get("3-drei"))
	assert.False(t, tree.Get("2-two").IsLeaf())

	// Purging a non-leaf is a no-op:
	assert.Equal(t, 0, tree.Purge("2-two"))

	// PurgeAll drops everything:
	assert.Equal(t, 3, tree.PurgeAll())
	assert.Equal(t, 0, tree.RevCount())
}

func TestRevTreeRemoveNonLeafBodies(t *testing.T) {
	tree := &RevTree{}
	mustInsert(t, tree, "1-a", []byte(`{"n":1}`), 0, "")
	mustInsert(t, tree, "2-b", []byte(`{"n":2}`), RevKeepBody, "1-a")
	mustInsert(t, tree, "3-c", []byte(`{"n":3}`), 0, "2-b")
	tree.Saved(1)

	tree.RemoveNonLeafBodies()
	assert.Nil(t, tree.Get("1-a").Body)
	assert.NotNil(t, tree.Get("2-b").Body, "KeepBody rev retains its body")
	assert.NotNil(t, tree.Get("3-c").Body, "leaf retains its body")
}

func TestRevTreeEncodeDecodeRoundTrip(t *testing.T) {
	tree := branchyTree(t)
	tree.Get("2-two").Flags |= RevKeepBody
	tree.Saved(7)

	data := tree.Encode()
	decoded, err := DecodeRevTree(data, 7)
	require.NoError(t, err)

	// Display order is preserved:
	require.Equal(t, tree.RevCount(), decoded.RevCount())
	for i := range tree.revs {
		assert.Equal(t, tree.revs[i].ID, decoded.revs[i].ID, "display order mismatch at %d", i)
		assert.Equal(t, tree.revs[i].Flags&persistentRevFlagsMask, decoded.revs[i].Flags)
		assert.Equal(t, tree.revs[i].Sequence, decoded.revs[i].Sequence)
		assert.Equal(t, tree.revs[i].Body, decoded.revs[i].Body)
	}

	// Parent linkage is preserved:
	for i := range tree.revs {
		origParent, decodedParent := tree.revs[i].parent, decoded.revs[i].parent
		if origParent == nil {
			assert.Nil(t, decodedParent)
		} else {
			require.NotNil(t, decodedParent)
			assert.Equal(t, origParent.ID, decodedParent.ID)
		}
	}

	// A second round trip is byte-identical:
	assert.Equal(t, data, decoded.Encode())
}

func TestRevTreeDecodeAssignsDocSequence(t *testing.T) {
	tree := testTree(t)
	data := tree.Encode() // revs still have sequence 0
	decoded, err := DecodeRevTree(data, 42)
	require.NoError(t, err)
	for _, rev := range decoded.revs {
		assert.Equal(t, uint64(42), rev.Sequence)
	}
}

func TestRevTreeDecodeCorrupt(t *testing.T) {
	_, err := DecodeRevTree([]byte{1, 2, 3}, 1)
	assert.Error(t, err)

	tree := testTree(t)
	data := tree.Encode()
	_, err = DecodeRevTree(data[:len(data)-2], 1)
	assert.Error(t, err)
}

func TestRevTreePossibleAncestors(t *testing.T) {
	tree := branchyTree(t)
	ancestors := tree.PossibleAncestors("4-new")
	assert.ElementsMatch(t, []string{"3-three", "3-drei"}, ancestors)
	assert.Empty(t, tree.PossibleAncestors("2-x"))
}

func TestRevTreeCopy(t *testing.T) {
	tree := branchyTree(t)
	copied := tree.Copy()
	require.Equal(t, tree.RevCount(), copied.RevCount())

	// Mutating the copy leaves the original alone:
	copied.Purge("3-drei")
	assert.Nil(t, copied.Get("3-drei"))
	assert.NotNil(t, tree.Get("3-drei"))

	// Copied parents point into the copy:
	assert.Equal(t, copied.Get("2-two"), copied.Get("3-three").parent)
}

func TestParseRevID(t *testing.T) {
	gen, digest := ParseRevID("3-abc")
	assert.Equal(t, uint32(3), gen)
	assert.Equal(t, "abc", digest)

	gen, digest = ParseRevID("12@peer")
	assert.Equal(t, uint32(12), gen)
	assert.Equal(t, "peer", digest)

	for _, bad := range []string{"", "-abc", "0-abc", "x-abc", "abc"} {
		gen, _ := ParseRevID(bad)
		assert.Equal(t, uint32(0), gen, "expected %q to be invalid", bad)
	}
}

func TestCompareRevIDs(t *testing.T) {
	assert.Equal(t, 1, compareRevIDs("2-a", "1-b"))
	assert.Equal(t, -1, compareRevIDs("1-b", "2-a"))
	assert.Equal(t, 1, compareRevIDs("2-b", "2-a"))
	assert.Equal(t, 0, compareRevIDs("2-a", "2-a"))
}
