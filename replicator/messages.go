package replicator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/couchbase/go-blip"
	"github.com/couchbaselabs/morse/base"
)

// BLIP message profiles used by the replication protocol.
const (
	messageSubChanges    = "subChanges"
	messageChanges       = "changes"
	messageRev           = "rev"
	messageNoRev         = "norev"
	messageGetAttachment = "getAttachment"
	messageGetCheckpoint = "getCheckpoint"
	messageSetCheckpoint = "setCheckpoint"
)

// Message property names.
const (
	subChangesSince      = "since"
	subChangesContinuous = "continuous"
	subChangesBatch      = "batch"
	subChangesFilter     = "filter"

	revMessageID       = "id"
	revMessageRev      = "rev"
	revMessageDeleted  = "deleted"
	revMessageSequence = "sequence"
	revMessageHistory  = "history"

	noRevMessageError  = "error"
	noRevMessageReason = "reason"

	getAttachmentDigest = "digest"

	checkpointClient      = "client"
	checkpointResponseRev = "rev"
	checkpointLastSeqKey  = "last_sequence"
)

var errClosedBlipSender = base.MorseErrorf(base.WebSocketDomain, 0, "use of closed BLIP sender")

func setOptionalProperty(properties blip.Properties, name string, value interface{}) {
	switch v := value.(type) {
	case string:
		if v != "" {
			properties[name] = v
		}
	case bool:
		if v {
			properties[name] = "true"
		}
	case uint64:
		if v > 0 {
			properties[name] = strconv.FormatUint(v, 10)
		}
	case int:
		if v > 0 {
			properties[name] = strconv.Itoa(v)
		}
	default:
		properties[name] = fmt.Sprintf("%v", value)
	}
}

// SubChangesRequest is a strongly typed 'subChanges' request.
type SubChangesRequest struct {
	Since      uint64 // Latest sequence already known to the requester
	Continuous bool   // Keep sending changes indefinitely
	Batch      int    // Max changes per changes message
	Filter     string // Name of a filter function known to the recipient
}

func (scr *SubChangesRequest) Send(s *blip.Sender) error {
	if ok := s.Send(scr.marshalBLIPRequest()); !ok {
		return errClosedBlipSender
	}
	return nil
}

func (scr *SubChangesRequest) marshalBLIPRequest() *blip.Message {
	msg := blip.NewRequest()
	msg.SetProfile(messageSubChanges)
	msg.SetNoReply(true)

	setOptionalProperty(msg.Properties, subChangesSince, scr.Since)
	setOptionalProperty(msg.Properties, subChangesContinuous, scr.Continuous)
	setOptionalProperty(msg.Properties, subChangesBatch, scr.Batch)
	setOptionalProperty(msg.Properties, subChangesFilter, scr.Filter)

	return msg
}

// changeRow is one row of a 'changes' message body:
// [sequence, docID, revID, deleted, bodySize].
type changeRow struct {
	Seq      uint64
	DocID    string
	RevID    string
	Deleted  bool
	BodySize int
}

func (row *changeRow) toArray() []interface{} {
	return []interface{}{row.Seq, row.DocID, row.RevID, row.Deleted, row.BodySize}
}

func parseChangeRow(raw []interface{}) (*changeRow, error) {
	if len(raw) < 3 {
		return nil, base.HTTPErrorf(400, "too-short entry in changes message")
	}
	seq, ok := raw[0].(float64)
	if !ok {
		return nil, base.HTTPErrorf(400, "bad sequence in changes message")
	}
	docID, ok1 := raw[1].(string)
	revID, ok2 := raw[2].(string)
	if !ok1 || !ok2 {
		return nil, base.HTTPErrorf(400, "bad doc/rev ID in changes message")
	}
	row := &changeRow{Seq: uint64(seq), DocID: docID, RevID: revID}
	if len(raw) > 3 {
		deleted, _ := raw[3].(bool)
		row.Deleted = deleted
	}
	if len(raw) > 4 {
		if size, ok := raw[4].(float64); ok {
			row.BodySize = int(size)
		}
	}
	return row, nil
}

// revMessageProperties assembles the properties of a 'rev' message.
func revMessageProperties(docID, revID string, seq uint64, deleted bool, history []string) blip.Properties {
	properties := make(blip.Properties, 5)
	properties[revMessageID] = docID
	properties[revMessageRev] = revID
	properties[revMessageSequence] = strconv.FormatUint(seq, 10)
	if deleted {
		properties[revMessageDeleted] = "1"
	}
	if len(history) > 0 {
		properties[revMessageHistory] = strings.Join(history, ",")
	}
	return properties
}

// revMessageHistoryList parses a 'rev' message into the InsertHistory form:
// the revision itself first, then its ancestors.
func revMessageHistoryList(rq *blip.Message) []string {
	history := []string{rq.Properties[revMessageRev]}
	if historyStr := rq.Properties[revMessageHistory]; historyStr != "" {
		history = append(history, strings.Split(historyStr, ",")...)
	}
	return history
}

// GetCheckpointRequest fetches the remote checkpoint body for a client.
type GetCheckpointRequest struct {
	Client string
}

// Send sends the request and parses its reply. A missing checkpoint returns
// ("", "", nil).
func (gcr *GetCheckpointRequest) Send(s *blip.Sender) (lastSeq string, rev string, err error) {
	msg := blip.NewRequest()
	msg.SetProfile(messageGetCheckpoint)
	msg.Properties[checkpointClient] = gcr.Client
	if !s.Send(msg) {
		return "", "", errClosedBlipSender
	}

	response := msg.Response()
	if response.Type() == blip.ErrorType {
		if status, _ := blipErrorStatus(response); status == 404 {
			return "", "", nil
		}
		body, _ := response.Body()
		return "", "", base.MorseErrorf(base.InternalDomain, base.ErrRemoteError, "getCheckpoint: %s", body)
	}

	var checkpointBody map[string]interface{}
	if err := response.ReadJSONBody(&checkpointBody); err != nil {
		return "", "", err
	}
	lastSeq, _ = checkpointBody[checkpointLastSeqKey].(string)
	return lastSeq, response.Properties[checkpointResponseRev], nil
}

// SetCheckpointRequest writes the remote checkpoint for a client.
type SetCheckpointRequest struct {
	Client  string
	Rev     string // last-known remote checkpoint rev; empty on first write
	LastSeq string
}

func (scr *SetCheckpointRequest) Send(s *blip.Sender) (newRev string, err error) {
	msg := blip.NewRequest()
	msg.SetProfile(messageSetCheckpoint)
	msg.Properties[checkpointClient] = scr.Client
	setOptionalProperty(msg.Properties, checkpointResponseRev, scr.Rev)
	if err := msg.SetJSONBody(map[string]interface{}{checkpointLastSeqKey: scr.LastSeq}); err != nil {
		return "", err
	}
	if !s.Send(msg) {
		return "", errClosedBlipSender
	}

	response := msg.Response()
	if response.Type() == blip.ErrorType {
		body, _ := response.Body()
		return "", base.MorseErrorf(base.InternalDomain, base.ErrRemoteError, "setCheckpoint: %s", body)
	}
	return response.Properties[checkpointResponseRev], nil
}

func blipErrorStatus(response *blip.Message) (int, bool) {
	status, err := strconv.Atoi(response.Properties["Error-Code"])
	return status, err == nil
}
