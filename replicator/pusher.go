package replicator

import (
	"context"
	"strconv"
	"sync"

	"github.com/couchbase/go-blip"
	"github.com/couchbaselabs/morse/base"
	"github.com/couchbaselabs/morse/db"
)

const (
	kMaxPossibleAncestorsToSend = 20  // Max history length in a rev message
	kMinLengthToCompress        = 100 // Min body length worth compressing
	kMaxChangeListsInFlight     = 4   // How many changes messages can be active at once
	kMaxRevsInFlight            = 5   // Number of revs to be sending at once
)

// Pusher is the push-direction state machine: it reads change batches through
// the DB actor, announces them in 'changes' messages, and streams the
// revisions the peer asks for, completing sequences as their sends finish.
// All state below the constructor is owned by the actor goroutine.
type Pusher struct {
	*actor
	ctx        context.Context
	mode       ReplicationMode
	continuous bool
	blipSender *blip.Sender
	dbActor    *dbActor
	// checkpointer is nil for a passive pusher; the active peer owns progress.
	checkpointer *Checkpointer
	batchSize    int

	lastSequenceRead    uint64 // greatest sequence handed to us by the DB actor
	gettingChanges      bool   // waiting for a gotChanges callback
	caughtUp            bool   // read the backlog of existing changes
	caughtUpSent        bool   // told the peer it's caught up
	changeListsInFlight int    // changes messages awaiting replies
	revisionsInFlight   int    // rev messages being sent
	revsToSend          []*revToSend

	changesListener chan uint64
	completeOnce    sync.Once
	onComplete      func(error)
}

func newPusher(ctx context.Context, mode ReplicationMode, continuous bool, sender *blip.Sender, dbActor *dbActor, checkpointer *Checkpointer, batchSize int, onComplete func(error)) *Pusher {
	if batchSize <= 0 {
		batchSize = defaultChangesBatchSize
	}
	return &Pusher{
		actor:        newActor("pusher"),
		ctx:          ctx,
		mode:         mode,
		continuous:   continuous || mode == ModeContinuous,
		blipSender:   sender,
		dbActor:      dbActor,
		checkpointer: checkpointer,
		batchSize:    batchSize,
		onComplete:   onComplete,
	}
}

// Start begins pushing changes after sinceSequence.
func (p *Pusher) Start(sinceSequence uint64) {
	p.enqueue(func() {
		base.InfofCtx(p.ctx, base.KeySync, "Starting push from seq %d (%v)", sinceSequence, p.mode)
		p.lastSequenceRead = sinceSequence
		if p.continuous {
			p.changesListener = p.dbActor.database.ChangesListener()
			go p.listenForChanges()
		}
		p.maybeGetMoreChanges()
	})
}

// Stop tears the pusher down without waiting for in-flight work.
func (p *Pusher) Stop() {
	p.enqueue(func() {
		if p.changesListener != nil {
			p.dbActor.database.RemoveChangesListener(p.changesListener)
			p.changesListener = nil
		}
	})
	p.checkpointer.CheckpointNow()
	p.stop()
}

// listenForChanges wakes the pusher when the database saves a new sequence
// after catch-up. Runs on its own goroutine; only enqueues.
func (p *Pusher) listenForChanges() {
	listener := p.changesListener
	for range listener {
		p.enqueue(func() {
			if p.caughtUp {
				p.caughtUp = false
				p.caughtUpSent = false
				p.maybeGetMoreChanges()
			}
		})
	}
}

func (p *Pusher) maybeGetMoreChanges() {
	if p.gettingChanges || p.caughtUp || p.changeListsInFlight >= kMaxChangeListsInFlight {
		return
	}
	p.gettingChanges = true
	since := p.lastSequenceRead
	p.dbActor.GetChanges(since, p.batchSize, func(entries []*db.ChangeEntry, err error) {
		p.enqueue(func() { p.gotChanges(entries, err) })
	})
}

func (p *Pusher) gotChanges(entries []*db.ChangeEntry, err error) {
	p.gettingChanges = false
	if err != nil {
		p.gotError(err)
		return
	}

	for _, entry := range entries {
		if p.checkpointer != nil {
			p.checkpointer.AddPending(entry.Seq)
		}
		if entry.Seq > p.lastSequenceRead {
			p.lastSequenceRead = entry.Seq
		}
	}
	if len(entries) < p.batchSize {
		p.caughtUp = true
	}

	if len(entries) > 0 {
		p.sendChangeList(entries)
	}

	p.maybeGetMoreChanges()
	p.checkDone()
}

// maybeSendCaughtUp sends the empty changes message that tells the peer it
// has seen the whole backlog. It must not be sent while changes messages are
// still awaiting replies: a small message can overtake a large one on the
// wire, and the peer would see "caught up" before it has recorded what's
// coming.
func (p *Pusher) maybeSendCaughtUp() {
	if !p.caughtUp || p.caughtUpSent || p.gettingChanges || p.changeListsInFlight > 0 {
		return
	}
	p.caughtUpSent = true
	outrq := blip.NewRequest()
	outrq.SetProfile(messageChanges)
	outrq.SetNoReply(true)
	_ = outrq.SetJSONBody([]interface{}{})
	if !p.blipSender.Send(outrq) {
		p.gotError(errClosedBlipSender)
	}
}

func (p *Pusher) sendChangeList(entries []*db.ChangeEntry) {
	rows := make([]interface{}, len(entries))
	for i, entry := range entries {
		row := changeRow{
			Seq:      entry.Seq,
			DocID:    entry.DocID,
			RevID:    entry.RevID,
			Deleted:  entry.Deleted,
			BodySize: entry.BodySize,
		}
		rows[i] = row.toArray()
	}

	outrq := blip.NewRequest()
	outrq.SetProfile(messageChanges)
	if err := outrq.SetJSONBody(rows); err != nil {
		p.gotError(err)
		return
	}
	if !p.blipSender.Send(outrq) {
		p.gotError(errClosedBlipSender)
		return
	}
	p.changeListsInFlight++
	base.DebugfCtx(p.ctx, base.KeySync, "Sent %d changes, from seq %d", len(entries), entries[0].Seq)

	go func() {
		response := outrq.Response() // blocks until the reply arrives
		p.enqueue(func() { p.handleChangesResponse(response, entries) })
	}()
}

// handleChangesResponse processes the peer's reply to a changes message: the
// i'th entry is either non-array (revision not wanted) or an array of
// possible-ancestor revIDs.
func (p *Pusher) handleChangesResponse(response *blip.Message, entries []*db.ChangeEntry) {
	p.changeListsInFlight--

	if response.Type() == blip.ErrorType {
		body, _ := response.Body()
		p.gotError(base.MorseErrorf(base.InternalDomain, base.ErrRemoteError, "peer rejected changes: %s", body))
		return
	}

	var answer []interface{}
	if err := response.ReadJSONBody(&answer); err != nil {
		p.gotError(base.MorseErrorf(base.InternalDomain, base.ErrRemoteError, "invalid response to changes: %v", err))
		return
	}

	for i, entry := range entries {
		var knownRevsArray []interface{}
		if i < len(answer) {
			knownRevsArray, _ = answer[i].([]interface{})
		}
		if knownRevsArray == nil {
			// Not wanted: the sequence is complete as far as we're concerned.
			p.markComplete(entry.Seq)
			continue
		}
		knownRevs := make([]string, 0, len(knownRevsArray))
		for _, rev := range knownRevsArray {
			if revID, ok := rev.(string); ok {
				knownRevs = append(knownRevs, revID)
			}
		}
		p.revsToSend = append(p.revsToSend, &revToSend{
			seq:       entry.Seq,
			docID:     entry.DocID,
			revID:     entry.RevID,
			deleted:   entry.Deleted,
			knownRevs: knownRevs,
		})
	}

	p.sendMoreRevs()
	p.maybeGetMoreChanges()
	p.checkDone()
}

func (p *Pusher) sendMoreRevs() {
	for len(p.revsToSend) > 0 && p.revisionsInFlight < kMaxRevsInFlight {
		rev := p.revsToSend[0]
		p.revsToSend = p.revsToSend[1:]
		p.revisionsInFlight++
		p.sendRevision(rev)
	}
}

func (p *Pusher) sendRevision(rev *revToSend) {
	p.dbActor.GetRevision(rev, kMaxPossibleAncestorsToSend, func(body []byte, history []string, err error) {
		p.enqueue(func() {
			if err != nil {
				p.sendNoRev(rev, err)
				p.revisionsInFlight--
				p.markComplete(rev.seq)
				p.sendMoreRevs()
				p.checkDone()
				return
			}

			outrq := blip.NewRequest()
			outrq.SetProfile(messageRev)
			for name, value := range revMessageProperties(rev.docID, rev.revID, rev.seq, rev.deleted, history) {
				outrq.Properties[name] = value
			}
			outrq.SetBody(body)
			outrq.SetCompressed(len(body) >= kMinLengthToCompress)
			if !p.blipSender.Send(outrq) {
				p.gotError(errClosedBlipSender)
				return
			}
			base.DebugfCtx(p.ctx, base.KeySync, "Sent rev %q %s (seq %d)", rev.docID, rev.revID, rev.seq)

			go func() {
				response := outrq.Response() // blocks until the reply arrives
				p.enqueue(func() { p.handleRevResponse(rev, response) })
			}()
		})
	})
}

func (p *Pusher) handleRevResponse(rev *revToSend, response *blip.Message) {
	p.revisionsInFlight--
	if response != nil && response.Type() == blip.ErrorType {
		body, _ := response.Body()
		base.WarnfCtx(p.ctx, base.KeySync, "Peer returned error for rev %q %s: %s", rev.docID, rev.revID, body)
	}
	p.markComplete(rev.seq)
	p.sendMoreRevs()
	p.checkDone()
}

func (p *Pusher) sendNoRev(rev *revToSend, err error) {
	status, reason := base.ErrorAsHTTPStatus(err)
	base.DebugfCtx(p.ctx, base.KeySync, "Sending norev %q %s: %v", rev.docID, rev.revID, err)

	noRevRq := blip.NewRequest()
	noRevRq.SetProfile(messageNoRev)
	noRevRq.Properties[revMessageID] = rev.docID
	noRevRq.Properties[revMessageRev] = rev.revID
	noRevRq.Properties[revMessageSequence] = strconv.FormatUint(rev.seq, 10)
	noRevRq.Properties[noRevMessageError] = strconv.Itoa(status)
	noRevRq.Properties[noRevMessageReason] = reason
	noRevRq.SetNoReply(true)
	if !p.blipSender.Send(noRevRq) {
		p.gotError(errClosedBlipSender)
	}
}

// markComplete removes a fully pushed sequence from the pending set,
// advancing the checkpoint's low-water mark.
func (p *Pusher) markComplete(seq uint64) {
	if p.checkpointer != nil {
		p.checkpointer.Completed(seq)
	}
}

func (p *Pusher) checkDone() {
	p.maybeSendCaughtUp()
	if p.continuous {
		return
	}
	if !p.caughtUp || p.gettingChanges || p.changeListsInFlight > 0 ||
		p.revisionsInFlight > 0 || len(p.revsToSend) > 0 {
		return
	}
	if p.checkpointer != nil && p.checkpointer.PendingCount() > 0 {
		return
	}
	p.checkpointer.CheckpointNow()
	p.complete(nil)
}

func (p *Pusher) gotError(err error) {
	base.WarnfCtx(p.ctx, base.KeySync, "Push error: %v", err)
	p.complete(err)
}

func (p *Pusher) complete(err error) {
	p.completeOnce.Do(func() {
		if p.changesListener != nil {
			p.dbActor.database.RemoveChangesListener(p.changesListener)
			p.changesListener = nil
		}
		if p.onComplete != nil {
			go p.onComplete(err)
		}
	})
}
