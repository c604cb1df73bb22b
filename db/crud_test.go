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
	"context"
	"fmt"
	"testing"

	"github.com/couchbaselabs/morse/base"
	"github.com/couchbaselabs/morse/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T, options DatabaseOptions) *Database {
	store, err := storage.OpenBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })

	database, err := GetDatabase(context.Background(), "db", store, options)
	require.NoError(t, err)
	return database
}

func TestCreateVersionedDoc(t *testing.T) {
	database := setupTestDB(t, DatabaseOptions{})

	// Missing doc:
	_, err := database.GetDocument("doc", true)
	require.Error(t, err)
	assert.True(t, base.IsDocNotFoundError(err))

	doc, err := database.GetDocument("doc", false)
	require.NoError(t, err)
	assert.Equal(t, DocumentFlags(0), doc.Flags)
	assert.False(t, doc.Exists())

	// First revision:
	doc, _, err = database.PutExistingRev("doc", []string{"1-abc"}, []byte(`{"x":1}`), 0, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), doc.Sequence)
	assert.Equal(t, DocExists, doc.Flags)
	assert.Equal(t, "1-abc", doc.CurrentRevID())

	// Read back:
	doc, err = database.GetDocument("doc", true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), doc.Sequence)
	assert.True(t, doc.Exists())
	tree, err := doc.Tree()
	require.NoError(t, err)
	current := tree.CurrentRevision()
	require.NotNil(t, current)
	assert.Equal(t, "1-abc", current.ID)
	assert.True(t, current.IsLeaf())
	assert.Equal(t, uint64(1), current.Sequence)
	assert.Equal(t, []byte(`{"x":1}`), current.Body)
}

func TestMultipleRevisionsWithKeepBody(t *testing.T) {
	database := setupTestDB(t, DatabaseOptions{})

	_, status, err := database.PutRev("doc", "1-a", []byte(`{"n":1}`), 0, "", false)
	require.NoError(t, err)
	assert.Equal(t, 201, status)

	_, status, err = database.PutRev("doc", "2-b", []byte(`{"n":2}`), RevKeepBody, "1-a", false)
	require.NoError(t, err)
	assert.Equal(t, 201, status)

	// Same insert again is a 200 no-op; the tree is unchanged:
	doc, status, err := database.PutRev("doc", "2-b", []byte(`{"n":2}`), RevKeepBody, "1-a", false)
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, uint64(2), doc.Sequence)

	// Read back: current is 2-b, its parent 1-a has lost its body:
	doc, err = database.GetDocument("doc", true)
	require.NoError(t, err)
	tree, err := doc.Tree()
	require.NoError(t, err)
	current := tree.CurrentRevision()
	assert.Equal(t, "2-b", current.ID)
	require.NotNil(t, current.Parent())
	assert.Equal(t, "1-a", current.Parent().ID)

	require.NoError(t, database.Compact("doc"))
	body, err := database.RevisionBody("doc", "1-a")
	assert.Error(t, err)
	assert.Nil(t, body)

	_, status, err = database.PutRev("doc", "3-c", []byte(`{"n":3}`), 0, "2-b", false)
	require.NoError(t, err)
	assert.Equal(t, 201, status)
	require.NoError(t, database.Compact("doc"))

	// 2-b keeps its body (KeepBody) even as a non-leaf:
	body, err = database.RevisionBody("doc", "2-b")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":2}`), body)

	// Purging the leaf walks back to the root:
	nPurged, err := database.PurgeRevision("doc", "3-c")
	require.NoError(t, err)
	assert.Equal(t, 3, nPurged)
	_, err = database.GetDocument("doc", true)
	assert.True(t, base.IsDocNotFoundError(err))
}

func TestPutWithGenerationGap(t *testing.T) {
	database := setupTestDB(t, DatabaseOptions{})

	_, status, err := database.PutRev("doc", "1-a", []byte(`{}`), 0, "", false)
	require.NoError(t, err)
	require.Equal(t, 201, status)

	_, status, err = database.PutRev("doc", "3-c", []byte(`{}`), 0, "1-a", false)
	assert.Error(t, err)
	assert.Equal(t, 400, status)

	// Storage unchanged:
	doc, err := database.GetDocument("doc", true)
	require.NoError(t, err)
	assert.Equal(t, "1-a", doc.CurrentRevID())
	assert.Equal(t, uint64(1), doc.Sequence)
}

func TestPullConflictThenResolve(t *testing.T) {
	database := setupTestDB(t, DatabaseOptions{})

	// Local: 1-a <- 2-b (KeepBody) <- 3-aaaaaa
	_, _, err := database.PutExistingRev("doc", []string{"1-a"}, []byte(`{"n":1}`), 0, true)
	require.NoError(t, err)
	_, _, err = database.PutExistingRev("doc", []string{"2-b", "1-a"}, []byte(`{"n":2}`), RevKeepBody, true)
	require.NoError(t, err)
	_, _, err = database.PutExistingRev("doc", []string{"3-aaaaaa", "2-b", "1-a"}, []byte(`{"n":3}`), 0, true)
	require.NoError(t, err)

	// Pull a conflicting branch:
	doc, common, err := database.PutExistingRev("doc", []string{"4-dddd", "3-ababab", "2-b"}, []byte(`{"via":"pull"}`), RevForeign, true)
	require.NoError(t, err)
	assert.Equal(t, 2, common)
	assert.NotZero(t, doc.Flags&DocConflicted)

	tree, err := doc.Tree()
	require.NoError(t, err)
	assert.True(t, tree.Get("3-aaaaaa").IsLeaf())
	assert.True(t, tree.Get("4-dddd").IsLeaf())
	ancestor := tree.CommonAncestor(tree.Get("3-aaaaaa"), tree.Get("4-dddd"))
	require.NotNil(t, ancestor)
	assert.Equal(t, "2-b", ancestor.ID)

	// Resolve with 4-dddd as the winner:
	merged, err := database.ResolveConflict("doc", "4-dddd", "3-aaaaaa", []byte(`{"merged":true}`))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), merged.Generation())
	assert.Equal(t, "4-dddd", merged.Parent().ID)

	doc, err = database.GetDocument("doc", true)
	require.NoError(t, err)
	assert.Zero(t, doc.Flags&DocConflicted)
	assert.Equal(t, merged.ID, doc.CurrentRevID())
}

func TestPruneToDepth(t *testing.T) {
	const chainLen = 10000
	const maxDepth = 30
	database := setupTestDB(t, DatabaseOptions{MaxRevTreeDepth: maxDepth})

	// Chain revisions onto one doc, saving once (the save prunes):
	history := make([]string, chainLen)
	for i := 0; i < chainLen; i++ {
		history[i] = fmt.Sprintf("%d-x", chainLen-i)
	}
	_, _, err := database.PutExistingRev("doc", history, []byte(`{"final":true}`), 0, true)
	require.NoError(t, err)

	// Reload and walk current -> parent*:
	doc, err := database.GetDocument("doc", true)
	require.NoError(t, err)
	tree, err := doc.Tree()
	require.NoError(t, err)

	depth := 0
	var deepest *Rev
	for rev := tree.CurrentRevision(); rev != nil; rev = rev.Parent() {
		deepest = rev
		depth++
	}
	assert.Equal(t, maxDepth, depth)
	assert.Equal(t, uint32(chainLen-(maxDepth-1)), deepest.Generation())
}

func TestChangesSince(t *testing.T) {
	database := setupTestDB(t, DatabaseOptions{})

	for i := 1; i <= 5; i++ {
		docID := fmt.Sprintf("doc%d", i)
		_, _, err := database.PutExistingRev(docID, []string{"1-a"}, []byte(`{}`), 0, true)
		require.NoError(t, err)
	}

	entries, err := database.ChangesSince(0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, entry := range entries {
		assert.Equal(t, uint64(i+1), entry.Seq)
		assert.Equal(t, "1-a", entry.RevID)
	}

	// Updating doc3 moves it to the end of the feed:
	_, _, err = database.PutExistingRev("doc3", []string{"2-b", "1-a"}, []byte(`{}`), 0, true)
	require.NoError(t, err)

	entries, err = database.ChangesSince(5, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc3", entries[0].DocID)
	assert.Equal(t, uint64(6), entries[0].Seq)
	assert.Equal(t, "2-b", entries[0].RevID)

	// The old sequence for doc3 is gone:
	entries, err = database.ChangesSince(0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, uint64(6), entries[4].Seq)
}

func TestLocalDocs(t *testing.T) {
	database := setupTestDB(t, DatabaseOptions{})

	_, _, err := database.GetLocal("checkpoint/cli")
	assert.True(t, base.IsDocNotFoundError(err))

	rev1, err := database.PutLocal("checkpoint/cli", "", map[string]interface{}{"last_sequence": "10"})
	require.NoError(t, err)
	require.NotEmpty(t, rev1)

	body, rev, err := database.GetLocal("checkpoint/cli")
	require.NoError(t, err)
	assert.Equal(t, rev1, rev)
	assert.Equal(t, "10", body["last_sequence"])

	// Stale rev is rejected:
	_, err = database.PutLocal("checkpoint/cli", "1-bogus", map[string]interface{}{"last_sequence": "11"})
	require.Error(t, err)

	rev2, err := database.PutLocal("checkpoint/cli", rev1, map[string]interface{}{"last_sequence": "11"})
	require.NoError(t, err)
	assert.NotEqual(t, rev1, rev2)

	// Local docs don't appear in the changes feed:
	entries, err := database.ChangesSince(0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeletedDocFlags(t *testing.T) {
	database := setupTestDB(t, DatabaseOptions{})

	_, _, err := database.PutExistingRev("doc", []string{"1-a"}, []byte(`{}`), 0, true)
	require.NoError(t, err)
	doc, _, err := database.PutExistingRev("doc", []string{"2-del", "1-a"}, nil, RevDeleted, true)
	require.NoError(t, err)
	assert.NotZero(t, doc.Flags&DocDeleted)
	assert.NotZero(t, doc.Flags&DocExists)
}
