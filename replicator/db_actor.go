package replicator

import (
	"github.com/couchbaselabs/morse/base"
	"github.com/couchbaselabs/morse/db"
)

// revToSend is one revision the peer has asked the pusher for.
type revToSend struct {
	seq       uint64
	docID     string
	revID     string
	deleted   bool
	knownRevs []string // ancestors the peer already has; trims the sent history
}

// revToInsert is one incoming revision on the pull side.
type revToInsert struct {
	docID     string
	history   []string // the revision itself first, oldest ancestor last
	body      []byte
	deleted   bool
	remoteSeq uint64 // the peer's sequence, for checkpointing
}

// dbActor serializes all storage access for a replication. Both directions'
// state machines call it with owned arguments; results come back via the
// callback, which runs on the dbActor goroutine — callers re-enqueue onto
// their own actor.
type dbActor struct {
	*actor
	database *db.Database
}

func newDBActor(database *db.Database) *dbActor {
	return &dbActor{
		actor:    newActor("db:" + database.Name),
		database: database,
	}
}

// GetChanges reads a batch of changes after the given sequence.
func (a *dbActor) GetChanges(since uint64, limit int, callback func([]*db.ChangeEntry, error)) {
	a.enqueue(func() {
		entries, err := a.database.ChangesSince(since, limit)
		callback(entries, err)
	})
}

// GetRevision materializes a revision body and its trimmed history for a
// 'rev' message.
func (a *dbActor) GetRevision(rev *revToSend, maxHistory int, callback func(body []byte, history []string, err error)) {
	a.enqueue(func() {
		doc, err := a.database.GetDocument(rev.docID, true)
		if err != nil {
			callback(nil, nil, err)
			return
		}
		tree, err := doc.Tree()
		if err != nil {
			callback(nil, nil, err)
			return
		}
		node := tree.Get(rev.revID)
		if node == nil {
			callback(nil, nil, base.ErrDocNotFound)
			return
		}
		body := node.Body
		if body == nil {
			// Tombstones legitimately have no body; anything else has been
			// compacted away and can't be sent.
			if !node.IsDeleted() {
				callback(nil, nil, base.ErrDocNotFound)
				return
			}
			body = []byte(`{}`)
		}

		fullHistory := node.History()
		historyIDs := make([]string, len(fullHistory))
		for i, r := range fullHistory {
			historyIDs[i] = r.ID
		}
		callback(body, trimHistory(historyIDs, rev.knownRevs, maxHistory), nil)
	})
}

// InsertRevision writes a pulled revision through the revision tree.
func (a *dbActor) InsertRevision(rev *revToInsert, callback func(error)) {
	a.enqueue(func() {
		flags := db.RevFlags(0)
		if rev.deleted {
			flags |= db.RevDeleted
		}
		_, _, err := a.database.PutExistingRev(rev.docID, rev.history, rev.body, flags|db.RevForeign, true)
		callback(err)
	})
}

// CheckRevisions determines, for each changes row, whether the revision is
// wanted, and if so which local revisions could serve as its ancestors.
// wanted[i] is nil for known revisions, else a (possibly empty) ancestor list.
func (a *dbActor) CheckRevisions(rows []*changeRow, callback func(wanted [][]string)) {
	a.enqueue(func() {
		wanted := make([][]string, len(rows))
		for i, row := range rows {
			doc, err := a.database.GetDocument(row.DocID, false)
			if err != nil {
				base.WarnfCtx(a.database.Ctx, base.KeyReplicate, "CheckRevisions: can't read doc %q: %v", row.DocID, err)
				continue
			}
			tree, err := doc.Tree()
			if err != nil {
				continue
			}
			if tree.Get(row.RevID) != nil {
				continue // already known: leave nil
			}
			ancestors := tree.PossibleAncestors(row.RevID)
			if ancestors == nil {
				ancestors = []string{}
			}
			wanted[i] = ancestors
		}
		callback(wanted)
	})
}

// trimHistory drops the revision itself, then cuts the ancestor list at the
// first revision the peer already knows, capped at maxHistory entries.
func trimHistory(fullHistory []string, knownRevs []string, maxHistory int) []string {
	if len(fullHistory) <= 1 {
		return nil
	}
	known := make(map[string]bool, len(knownRevs))
	for _, revID := range knownRevs {
		known[revID] = true
	}
	history := fullHistory[1:]
	for i, revID := range history {
		if known[revID] || (maxHistory > 0 && i+1 >= maxHistory) {
			history = history[0 : i+1]
			break
		}
	}
	return history
}
