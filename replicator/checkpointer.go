package replicator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/couchbase/go-blip"
	"github.com/couchbaselabs/morse/base"
	"github.com/couchbaselabs/morse/db"
)

const checkpointDocIDPrefix = "checkpoint/"

// Checkpointer tracks replication progress for one direction. Sequences that
// have been handed out go into a pending set; as the peer confirms them the
// checkpoint advances to the low-water mark:
//
//	lastSequence = pending.Empty() ? pending.MaxEver() : pending.First()-1
//
// The value is persisted (coalesced on a delay) to a local doc and, when a
// sender is attached, to the peer via setCheckpoint.
type Checkpointer struct {
	clientID   string
	blipSender *blip.Sender // nil when there's no remote side to checkpoint
	activeDB   *db.Database
	saveDelay  time.Duration
	ctx        context.Context

	lock         sync.Mutex
	pending      base.SequenceSet
	lastSequence uint64
	dirty        bool
	saveTimer    *time.Timer

	// lastLocalRev / lastRemoteRev guard the rev-checked checkpoint docs.
	lastLocalRev  string
	lastRemoteRev string
}

func NewCheckpointer(ctx context.Context, clientID string, blipSender *blip.Sender, activeDB *db.Database, saveDelay time.Duration) *Checkpointer {
	return &Checkpointer{
		clientID:   clientID,
		blipSender: blipSender,
		activeDB:   activeDB,
		saveDelay:  saveDelay,
		ctx:        ctx,
	}
}

// AddPending records a sequence as handed out but not yet confirmed.
func (c *Checkpointer) AddPending(seq uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.pending.Add(seq)
}

// Completed removes a confirmed sequence and advances the checkpoint when the
// low-water mark rises.
func (c *Checkpointer) Completed(seq uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.pending.Remove(seq)
	newLast := c.safeSequence()
	if newLast > c.lastSequence {
		c.lastSequence = newLast
		c.dirty = true
		c.scheduleSave()
	}
}

func (c *Checkpointer) safeSequence() uint64 {
	if c.pending.Empty() {
		return c.pending.MaxEver()
	}
	return c.pending.First() - 1
}

// LastSequence returns the current checkpoint value.
func (c *Checkpointer) LastSequence() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.lastSequence
}

// PendingCount returns the number of unconfirmed sequences.
func (c *Checkpointer) PendingCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.pending.Size()
}

func (c *Checkpointer) checkpointDocID() string {
	return checkpointDocIDPrefix + c.clientID
}

// FetchCheckpoints loads the local and (when connected) remote checkpoints,
// rolls the higher one back to the lower on mismatch, and primes the pending
// set's baseline. Returns the sequence to resume from.
func (c *Checkpointer) FetchCheckpoints() (uint64, error) {
	localSeq, localRev, err := c.getLocalCheckpoint()
	if err != nil {
		return 0, err
	}
	c.lastLocalRev = localRev

	checkpointSeq := localSeq
	if c.blipSender != nil {
		rq := GetCheckpointRequest{Client: c.clientID}
		remoteSeqStr, remoteRev, err := rq.Send(c.blipSender)
		if err != nil {
			return 0, err
		}
		c.lastRemoteRev = remoteRev
		remoteSeq := parseSequence(remoteSeqStr)

		// On mismatch, roll back the higher checkpoint to the lower value.
		if remoteSeq != localSeq {
			base.DebugfCtx(c.ctx, base.KeyReplicate, "checkpoints mismatched (local %d, remote %d), using lower", localSeq, remoteSeq)
			if remoteSeq < localSeq {
				checkpointSeq = remoteSeq
				if c.lastLocalRev, err = c.setLocalCheckpoint(checkpointSeq, c.lastLocalRev); err != nil {
					return 0, err
				}
			} else {
				checkpointSeq = localSeq
				if c.lastRemoteRev, err = c.setRemoteCheckpoint(checkpointSeq, c.lastRemoteRev); err != nil {
					return 0, err
				}
			}
		}
	}

	c.lock.Lock()
	c.lastSequence = checkpointSeq
	c.pending.Clear(checkpointSeq)
	c.lock.Unlock()

	base.InfofCtx(c.ctx, base.KeyReplicate, "Replication %q resuming from seq %d", c.clientID, checkpointSeq)
	return checkpointSeq, nil
}

// scheduleSave arms the coalescing save timer. Caller holds c.lock.
func (c *Checkpointer) scheduleSave() {
	if c.saveTimer != nil {
		return
	}
	delay := c.saveDelay
	if delay <= 0 {
		delay = defaultCheckpointSaveDelay
	}
	c.saveTimer = time.AfterFunc(delay, c.CheckpointNow)
}

// CheckpointNow persists the checkpoint immediately if it has advanced.
func (c *Checkpointer) CheckpointNow() {
	if c == nil {
		return
	}
	c.lock.Lock()
	if c.saveTimer != nil {
		c.saveTimer.Stop()
		c.saveTimer = nil
	}
	if !c.dirty {
		c.lock.Unlock()
		return
	}
	c.dirty = false
	seq := c.lastSequence
	c.lock.Unlock()

	if err := c.setCheckpoints(seq); err != nil {
		base.WarnfCtx(c.ctx, base.KeyReplicate, "couldn't set checkpoints: %v", err)
		c.lock.Lock()
		c.dirty = true
		c.lock.Unlock()
	}
}

func (c *Checkpointer) setCheckpoints(seq uint64) error {
	newLocalRev, err := c.setLocalCheckpoint(seq, c.lastLocalRev)
	if err != nil {
		return err
	}
	c.lastLocalRev = newLocalRev

	if c.blipSender != nil {
		newRemoteRev, err := c.setRemoteCheckpoint(seq, c.lastRemoteRev)
		if err != nil {
			return err
		}
		c.lastRemoteRev = newRemoteRev
	}
	base.DebugfCtx(c.ctx, base.KeyReplicate, "Checkpointed %q at seq %d", c.clientID, seq)
	return nil
}

func (c *Checkpointer) getLocalCheckpoint() (seq uint64, rev string, err error) {
	body, rev, err := c.activeDB.GetLocal(c.checkpointDocID())
	if err != nil {
		if base.IsDocNotFoundError(err) {
			return 0, "", nil
		}
		return 0, "", err
	}
	lastSeq, _ := body[checkpointLastSeqKey].(string)
	return parseSequence(lastSeq), rev, nil
}

func (c *Checkpointer) setLocalCheckpoint(seq uint64, parentRev string) (newRev string, err error) {
	return c.activeDB.PutLocal(c.checkpointDocID(), parentRev,
		map[string]interface{}{checkpointLastSeqKey: strconv.FormatUint(seq, 10)})
}

func (c *Checkpointer) setRemoteCheckpoint(seq uint64, parentRev string) (newRev string, err error) {
	rq := SetCheckpointRequest{
		Client:  c.clientID,
		Rev:     parentRev,
		LastSeq: strconv.FormatUint(seq, 10),
	}
	return rq.Send(c.blipSender)
}

func parseSequence(s string) uint64 {
	seq, _ := strconv.ParseUint(s, 10, 64)
	return seq
}
