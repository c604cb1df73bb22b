package replicator

import (
	"context"
	"sync"

	"github.com/couchbase/go-blip"
	"github.com/couchbaselabs/morse/base"
)

// pullSide handles incoming 'changes' and 'rev' messages: the receiving half
// of a replication. The active Puller wraps it with a subChanges subscription
// and a checkpointer; the passive handler runs it bare.
type pullSide struct {
	*actor
	ctx     context.Context
	dbActor *dbActor
	// checkpointer is nil on the passive side.
	checkpointer *Checkpointer
	continuous   bool

	seen         map[string]bool // dedupe of docID+revID across changes batches
	revsInFlight int             // rev messages being written through the DB actor
	caughtUp     bool

	completeOnce sync.Once
	onComplete   func(error)
}

func newPullSide(ctx context.Context, dbActor *dbActor, checkpointer *Checkpointer, continuous bool, onComplete func(error)) *pullSide {
	return &pullSide{
		actor:        newActor("puller"),
		ctx:          ctx,
		dbActor:      dbActor,
		checkpointer: checkpointer,
		continuous:   continuous,
		seen:         make(map[string]bool),
		onComplete:   onComplete,
	}
}

// handleChanges responds to a 'changes' message with, per row, either 0 (not
// wanted) or an array of possible-ancestor revIDs. Runs on a BLIP handler
// goroutine; state access is serialized through the actor.
func (ps *pullSide) handleChanges(rq *blip.Message) error {
	var changeList [][]interface{}
	if err := rq.ReadJSONBody(&changeList); err != nil {
		return base.HTTPErrorf(400, "invalid changes message: %v", err)
	}

	if len(changeList) == 0 {
		// Caught-up signal.
		ps.enqueueSync(func() {
			ps.caughtUp = true
			ps.checkDone()
		})
		return nil
	}

	rows := make([]*changeRow, 0, len(changeList))
	for _, raw := range changeList {
		row, err := parseChangeRow(raw)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	var wanted [][]string
	ps.enqueueSync(func() {
		result := make(chan [][]string, 1)
		ps.dbActor.CheckRevisions(rows, func(w [][]string) { result <- w })
		wanted = <-result

		// Dedupe revisions already requested on this connection:
		for i, row := range rows {
			key := row.DocID + "\x00" + row.RevID
			if ps.seen[key] {
				wanted[i] = nil
			} else if wanted[i] != nil {
				ps.seen[key] = true
			}
		}

		// Rows we won't request are complete now; requested rows go pending.
		for i, row := range rows {
			if wanted[i] == nil {
				ps.completed(row.Seq)
			} else if ps.checkpointer != nil {
				ps.checkpointer.AddPending(row.Seq)
			}
		}
	})

	answer := make([]interface{}, len(wanted))
	for i, ancestors := range wanted {
		if ancestors == nil {
			answer[i] = 0
		} else {
			answer[i] = ancestors
		}
	}
	response := rq.Response()
	if response != nil {
		response.SetCompressed(true)
		if err := response.SetJSONBody(answer); err != nil {
			return err
		}
	}
	base.DebugfCtx(ps.ctx, base.KeySyncMsg, "Handled changes: %d rows", len(rows))
	return nil
}

// handleRev writes a received revision through the DB actor.
func (ps *pullSide) handleRev(rq *blip.Message) error {
	body, err := rq.Body()
	if err != nil {
		return err
	}

	docID := rq.Properties[revMessageID]
	revID := rq.Properties[revMessageRev]
	if docID == "" || revID == "" {
		return base.HTTPErrorf(400, "missing docID or revID")
	}

	rev := &revToInsert{
		docID:     docID,
		history:   revMessageHistoryList(rq),
		body:      body,
		deleted:   rq.Properties[revMessageDeleted] != "",
		remoteSeq: parseSequence(rq.Properties[revMessageSequence]),
	}

	result := make(chan error, 1)
	ps.dbActor.InsertRevision(rev, func(err error) { result <- err })
	if err := <-result; err != nil {
		base.WarnfCtx(ps.ctx, base.KeySync, "Error inserting rev %q %s: %v", docID, revID, err)
		return err
	}

	ps.enqueueSync(func() {
		ps.completed(rev.remoteSeq)
		ps.checkDone()
	})
	base.DebugfCtx(ps.ctx, base.KeySync, "Inserted rev %q %s (remote seq %d)", docID, revID, rev.remoteSeq)
	return nil
}

// handleNoRev acknowledges a revision the peer couldn't send; the sequence
// still completes so the checkpoint can advance past it.
func (ps *pullSide) handleNoRev(rq *blip.Message) error {
	base.InfofCtx(ps.ctx, base.KeySync, "Peer couldn't send rev %q %s: %s",
		rq.Properties[revMessageID], rq.Properties[revMessageRev], rq.Properties[noRevMessageReason])
	ps.enqueueSync(func() {
		ps.completed(parseSequence(rq.Properties[revMessageSequence]))
		ps.checkDone()
	})
	return nil
}

func (ps *pullSide) completed(seq uint64) {
	if ps.checkpointer != nil && seq > 0 {
		ps.checkpointer.Completed(seq)
	}
}

func (ps *pullSide) checkDone() {
	if ps.continuous || !ps.caughtUp {
		return
	}
	if ps.checkpointer != nil && ps.checkpointer.PendingCount() > 0 {
		return
	}
	ps.checkpointer.CheckpointNow()
	ps.complete(nil)
}

func (ps *pullSide) gotError(err error) {
	base.WarnfCtx(ps.ctx, base.KeySync, "Pull error: %v", err)
	ps.complete(err)
}

func (ps *pullSide) complete(err error) {
	ps.completeOnce.Do(func() {
		if ps.onComplete != nil {
			go ps.onComplete(err)
		}
	})
}

// Puller is the active pull direction: it subscribes to the peer's changes
// with subChanges and lets the pullSide handlers do the rest.
type Puller struct {
	*pullSide
	blipSender *blip.Sender
	batchSize  int
}

func newPuller(ctx context.Context, mode ReplicationMode, sender *blip.Sender, dbActor *dbActor, checkpointer *Checkpointer, batchSize int, onComplete func(error)) *Puller {
	if batchSize <= 0 {
		batchSize = defaultChangesBatchSize
	}
	return &Puller{
		pullSide:   newPullSide(ctx, dbActor, checkpointer, mode == ModeContinuous, onComplete),
		blipSender: sender,
		batchSize:  batchSize,
	}
}

// Start subscribes to the peer's changes feed from sinceSequence.
func (p *Puller) Start(sinceSequence uint64) {
	base.InfofCtx(p.ctx, base.KeySync, "Starting pull from seq %d", sinceSequence)
	rq := SubChangesRequest{
		Since:      sinceSequence,
		Continuous: p.continuous,
		Batch:      p.batchSize,
	}
	if err := rq.Send(p.blipSender); err != nil {
		p.gotError(err)
	}
}

// Stop tears the puller down.
func (p *Puller) Stop() {
	p.checkpointer.CheckpointNow()
	p.stop()
}
