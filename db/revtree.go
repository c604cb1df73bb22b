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
	"sort"

	"github.com/couchbaselabs/morse/base"
)

// RevFlags is the per-revision flag bitset.
type RevFlags uint8

const (
	RevLeaf RevFlags = 1 << iota
	RevDeleted
	RevHasAttachments
	RevKeepBody
	RevIsConflict
	RevForeign
	RevNew            // not yet persisted
	RevMarkedForPurge // transient; cleared by the compact that removes the node
)

// Flags a caller may set on a newly inserted revision; everything else is
// managed by the tree.
const newRevFlagsMask = RevDeleted | RevHasAttachments | RevKeepBody | RevForeign

// Flags that survive serialization.
const persistentRevFlagsMask = RevLeaf | RevDeleted | RevHasAttachments | RevKeepBody | RevIsConflict | RevForeign

// Rev is one node of one document's history tree.
type Rev struct {
	ID       string
	Body     []byte
	Sequence uint64 // 0 until the enclosing tree is persisted
	Flags    RevFlags
	parent   *Rev // nil = root
}

func (rev *Rev) IsLeaf() bool { return rev.Flags&RevLeaf != 0 }
func (rev *Rev) IsDeleted() bool { return rev.Flags&RevDeleted != 0 }
func (rev *Rev) IsConflict() bool { return rev.Flags&RevIsConflict != 0 }
func (rev *Rev) IsNew() bool { return rev.Flags&RevNew != 0 }
func (rev *Rev) IsForeign() bool { return rev.Flags&RevForeign != 0 }
func (rev *Rev) HasAttachments() bool { return rev.Flags&RevHasAttachments != 0 }
func (rev *Rev) KeepsBody() bool { return rev.Flags&RevKeepBody != 0 }
func (rev *Rev) isMarkedForPurge() bool { return rev.Flags&RevMarkedForPurge != 0 }

// IsActive reports whether the revision is a live branch head.
func (rev *Rev) IsActive() bool { return rev.IsLeaf() && !rev.IsDeleted() }

func (rev *Rev) Parent() *Rev { return rev.parent }

func (rev *Rev) Generation() uint32 { return genOfRevID(rev.ID) }

func (rev *Rev) addFlag(flag RevFlags)   { rev.Flags |= flag }
func (rev *Rev) clearFlag(flag RevFlags) { rev.Flags &^= flag }

// History returns the revision and its ancestors, newest first.
func (rev *Rev) History() []*Rev {
	history := make([]*Rev, 0, 5)
	for r := rev; r != nil; r = r.parent {
		history = append(history, r)
	}
	return history
}

// RevTree is the owning container of all revisions of one document.
// The revs slice defines the display order; after sort() the current revision
// is at index 0 and leaves precede non-leaves.
type RevTree struct {
	revs    []*Rev
	changed bool
	sorted  bool
	unknown bool // tree not yet loaded from storage
}

func (tree *RevTree) RevCount() int { return len(tree.revs) }
func (tree *RevTree) Changed() bool { return tree.changed }

// Get returns the revision with the given ID, or nil.
func (tree *RevTree) Get(revid string) *Rev {
	for _, rev := range tree.revs {
		if rev.ID == revid {
			return rev
		}
	}
	return nil
}

// GetBySequence returns the revision saved at the given sequence, or nil.
func (tree *RevTree) GetBySequence(seq uint64) *Rev {
	for _, rev := range tree.revs {
		if rev.Sequence == seq {
			return rev
		}
	}
	return nil
}

// CurrentRevision returns the default revision: the head of the sorted order.
func (tree *RevTree) CurrentRevision() *Rev {
	tree.sort()
	if len(tree.revs) == 0 {
		return nil
	}
	return tree.revs[0]
}

// HasConflict reports whether more than one leaf is live.
func (tree *RevTree) HasConflict() bool {
	if len(tree.revs) < 2 {
		return false
	}
	if tree.sorted {
		return tree.revs[1].IsActive()
	}
	nActive := 0
	for _, rev := range tree.revs {
		if rev.IsActive() {
			if nActive++; nActive > 1 {
				return true
			}
		}
	}
	return false
}

func (tree *RevTree) confirmLeaf(testRev *Rev) bool {
	for _, rev := range tree.revs {
		if rev.parent == testRev {
			return false
		}
	}
	testRev.addFlag(RevLeaf)
	return true
}

//////// INSERTION:

// Lowest-level insert. Does no validity checking, always inserts.
func (tree *RevTree) insert(revid string, body []byte, parentRev *Rev, revFlags RevFlags) *Rev {
	newRev := &Rev{
		ID:     revid,
		Body:   body,
		Flags:  RevLeaf | RevNew | (revFlags & newRevFlagsMask),
		parent: parentRev,
	}

	if parentRev != nil {
		conflict := !parentRev.IsLeaf() || parentRev.IsConflict()
		if conflict {
			newRev.addFlag(RevIsConflict) // creating or extending a branch
		}
		parentRev.clearFlag(RevLeaf)
		if revFlags&RevKeepBody != 0 {
			// Only one rev on the main branch can keep its body.
			for ancestor := parentRev; ancestor != nil; ancestor = ancestor.parent {
				if conflict && !ancestor.IsConflict() {
					break
				}
				ancestor.clearFlag(RevKeepBody)
			}
		}
	} else if len(tree.revs) > 0 {
		newRev.addFlag(RevIsConflict) // creating a 2nd root
	}

	tree.changed = true
	if len(tree.revs) > 0 {
		tree.sorted = false
	}
	tree.revs = append(tree.revs, newRev)
	return newRev
}

// Insert adds a revision as a child of the revision with ID parentRevID (or
// as a root if parentRevID is empty). The returned status follows the CouchDB
// convention: 201 created, 200 already present (no-op), 400 malformed revID
// or generation skip, 404 unknown parent, 409 conflict.
func (tree *RevTree) Insert(revid string, body []byte, revFlags RevFlags, parentRevID string, allowConflict bool) (*Rev, int) {
	var parent *Rev
	if parentRevID != "" {
		if parent = tree.Get(parentRevID); parent == nil {
			return nil, 404
		}
	}
	return tree.InsertWithParent(revid, body, revFlags, parent, allowConflict)
}

// InsertWithParent is Insert with an already-resolved parent revision.
func (tree *RevTree) InsertWithParent(revid string, body []byte, revFlags RevFlags, parent *Rev, allowConflict bool) (*Rev, int) {
	newGen := genOfRevID(revid)
	if newGen == 0 {
		return nil, 400
	}

	if tree.Get(revid) != nil {
		return nil, 200 // already exists
	}

	var parentGen uint32
	if parent != nil {
		if !allowConflict && !parent.IsLeaf() {
			return nil, 409
		}
		parentGen = parent.Generation()
	} else {
		if !allowConflict && len(tree.revs) > 0 {
			return nil, 409
		}
	}

	if newGen != parentGen+1 {
		return nil, 400
	}

	return tree.insert(revid, body, parent, revFlags), 201
}

// InsertHistory adds a revision with its ancestry. history[0] is the new leaf,
// history[len-1] the oldest ancestor; generations must decrease by exactly 1
// per step. Ancestors already present are left alone; missing ones are
// pre-inserted bodyless, inheriting only the Foreign flag. Returns the index
// of the common ancestor in history (len(history) if none), or -1 if the
// generation numbers are not in sequence.
func (tree *RevTree) InsertHistory(history []string, body []byte, revFlags RevFlags) int {
	var lastGen uint32
	var parent *Rev
	i := 0
	for ; i < len(history); i++ {
		gen := genOfRevID(history[i])
		if gen == 0 || (lastGen > 0 && gen != lastGen-1) {
			return -1 // generation numbers not in sequence
		}
		lastGen = gen

		if parent = tree.Get(history[i]); parent != nil {
			break
		}
	}
	commonAncestorIndex := i

	if i > 0 {
		// Insert the new revisions in chronological order:
		ancestorFlags := revFlags & RevForeign
		for i--; i > 0; i-- {
			parent = tree.insert(history[i], nil, parent, ancestorFlags)
		}
		tree.insert(history[0], body, parent, revFlags)
	}
	return commonAncestorIndex
}

//////// ANCESTRY:

// CommonAncestor returns the deepest revision reachable from both a and b by
// parent walks, or nil. Equal inputs return the revision itself.
func (tree *RevTree) CommonAncestor(a, b *Rev) *Rev {
	if a == nil || b == nil {
		return nil
	}
	marked := make(map[*Rev]bool, 8)
	for rev := a; rev != nil; rev = rev.parent {
		marked[rev] = true
	}
	for rev := b; rev != nil; rev = rev.parent {
		if marked[rev] {
			return rev
		}
	}
	return nil
}

// PossibleAncestors returns the IDs of leaves, in display order, whose
// generation is lower than that of revid. The puller offers these to the peer
// as candidate ancestors.
func (tree *RevTree) PossibleAncestors(revid string) []string {
	gen := genOfRevID(revid)
	tree.sort()
	var ancestors []string
	for _, rev := range tree.revs {
		if rev.IsLeaf() && rev.Generation() < gen {
			ancestors = append(ancestors, rev.ID)
		}
	}
	return ancestors
}

// FindAncestorFromSet returns the member of ancestors that is the closest
// ancestor of revid, or "".
func (tree *RevTree) FindAncestorFromSet(revid string, ancestors []string) string {
	for rev := tree.Get(revid); rev != nil; rev = rev.parent {
		for _, a := range ancestors {
			if a == rev.ID {
				return a
			}
		}
	}
	return ""
}

//////// REMOVAL (prune / purge / compact):

// RemoveNonLeafBodies drops bodies of already-saved revs that are no longer
// leaves and aren't pinned by KeepBody.
func (tree *RevTree) RemoveNonLeafBodies() {
	for _, rev := range tree.revs {
		if len(rev.Body) > 0 && rev.Flags&(RevLeaf|RevNew|RevKeepBody) == 0 {
			rev.Body = nil
			tree.changed = true
		}
	}
}

// Prune limits the tree to maxDepth revisions on any root-to-leaf chain.
// Returns the number of revisions removed.
func (tree *RevTree) Prune(maxDepth uint32) int {
	if maxDepth == 0 || len(tree.revs) <= int(maxDepth) {
		return 0
	}

	// Walk from each leaf to its root, marking revs that are too far away:
	numPruned := 0
	for _, rev := range tree.revs {
		if !rev.IsLeaf() {
			continue
		}
		depth := uint32(0)
		for anc := rev; anc != nil; anc = anc.parent {
			if depth++; depth > maxDepth && !anc.isMarkedForPurge() {
				anc.addFlag(RevMarkedForPurge)
				numPruned++
			}
		}
	}
	if numPruned == 0 {
		return 0
	}

	// Clear parent links that point to revisions being pruned:
	for _, rev := range tree.revs {
		if rev.parent != nil && rev.parent.isMarkedForPurge() {
			rev.parent = nil
		}
	}
	tree.compact()
	return numPruned
}

// Purge removes the revision with the given leaf ID and any ancestors that
// become childless, stopping at a branch point. Returns the number purged.
func (tree *RevTree) Purge(leafID string) int {
	nPurged := 0
	rev := tree.Get(leafID)
	if rev == nil || !rev.IsLeaf() {
		return 0
	}
	for {
		nPurged++
		rev.addFlag(RevMarkedForPurge)
		parent := rev.parent
		rev.parent = nil
		if parent == nil || !tree.confirmLeaf(parent) {
			break
		}
		rev = parent
	}
	tree.compact()
	tree.checkForResolvedConflict()
	return nPurged
}

// PurgeAll removes every revision.
func (tree *RevTree) PurgeAll() int {
	n := len(tree.revs)
	tree.revs = nil
	tree.changed = true
	tree.sorted = true
	return n
}

// compact removes revs marked for purge, sliding the survivors down.
func (tree *RevTree) compact() {
	dst := 0
	for _, rev := range tree.revs {
		if !rev.isMarkedForPurge() {
			tree.revs[dst] = rev
			dst++
		}
	}
	for i := dst; i < len(tree.revs); i++ {
		tree.revs[i] = nil
	}
	tree.revs = tree.revs[:dst]
	tree.changed = true
}

//////// CONFLICT RESOLUTION:

// ResolveConflict purges the losing branch, then inserts mergedBody as a new
// child of the winner under a deterministically derived revision ID.
func (tree *RevTree) ResolveConflict(winningRevID, losingRevID string, mergedBody []byte) (*Rev, error) {
	winner := tree.Get(winningRevID)
	if winner == nil {
		return nil, base.ErrDocNotFound
	}
	loser := tree.Get(losingRevID)
	if loser == nil {
		return nil, base.ErrDocNotFound
	}
	if !winner.IsLeaf() || !loser.IsLeaf() {
		return nil, base.MorseErrorf(base.InternalDomain, base.ErrConflict,
			"conflict resolution requires two leaf revisions")
	}

	mergedID := mergedRevID(winningRevID, losingRevID, mergedBody)
	tree.Purge(losingRevID)

	// The merged generation can skip past the winner's, so bypass the
	// generation check of Insert:
	winner = tree.Get(winningRevID) // branch purge may have re-leafed it
	if winner == nil {
		return nil, base.ErrCorruptRevision
	}
	merged := tree.insert(mergedID, mergedBody, winner, 0)
	tree.sort()
	return merged, nil
}

// If there are no non-conflict leaves, clear the conflict marker up the
// surviving chain.
func (tree *RevTree) checkForResolvedConflict() {
	if tree.sorted && len(tree.revs) > 0 && tree.revs[0].IsConflict() {
		for rev := tree.revs[0]; rev != nil; rev = rev.parent {
			rev.clearFlag(RevIsConflict)
		}
	}
}

//////// SORT / SAVE:

// compareRevs is a descending priority comparison: leaves first, then
// non-deleted, then non-conflict, then the lexicographically greater revID.
func compareRevs(rev1, rev2 *Rev) bool {
	if leaf1, leaf2 := rev1.IsLeaf(), rev2.IsLeaf(); leaf1 != leaf2 {
		return leaf1
	}
	if del1, del2 := rev1.IsDeleted(), rev2.IsDeleted(); del1 != del2 {
		return del2
	}
	if conf1, conf2 := rev1.IsConflict(), rev2.IsConflict(); conf1 != conf2 {
		return conf2
	}
	return compareRevIDs(rev1.ID, rev2.ID) > 0
}

func (tree *RevTree) sort() {
	if tree.sorted {
		return
	}
	sort.SliceStable(tree.revs, func(i, j int) bool {
		return compareRevs(tree.revs[i], tree.revs[j])
	})
	tree.sorted = true
	tree.checkForResolvedConflict()
}

// Saved is called after the tree is persisted: New flags are cleared and
// every rev written in this save gets the database-assigned sequence.
func (tree *RevTree) Saved(newSequence uint64) {
	for _, rev := range tree.revs {
		rev.clearFlag(RevNew)
		if rev.Sequence == 0 {
			rev.Sequence = newSequence
		}
	}
	tree.changed = false
}

// Copy deep-copies the tree, rewriting parent links into the new node set.
func (tree *RevTree) Copy() *RevTree {
	result := &RevTree{
		changed: tree.changed,
		sorted:  tree.sorted,
		unknown: tree.unknown,
		revs:    make([]*Rev, len(tree.revs)),
	}
	index := make(map[*Rev]int, len(tree.revs))
	for i, rev := range tree.revs {
		copied := *rev
		result.revs[i] = &copied
		index[rev] = i
	}
	for _, rev := range result.revs {
		if rev.parent != nil {
			rev.parent = result.revs[index[rev.parent]]
		}
	}
	return result
}
