package replicator

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/couchbase/go-blip"
	"github.com/couchbaselabs/morse/base"
	"github.com/couchbaselabs/morse/blob"
	"github.com/couchbaselabs/morse/db"
	"golang.org/x/net/websocket"
)

const remoteCheckpointPrefix = "remote-checkpoint/"

// PassiveHandler serves the passive side of replications over websocket.
// Each accepted connection gets its own BLIP context, DB actor, and handlers;
// the connection stays open until the client closes it.
type PassiveHandler struct {
	database *db.Database
	ctx      context.Context
}

func NewPassiveHandler(ctx context.Context, database *db.Database) *PassiveHandler {
	return &PassiveHandler{database: database, ctx: ctx}
}

var _ http.Handler = (*PassiveHandler)(nil)

func (h *PassiveHandler) ServeHTTP(response http.ResponseWriter, rq *http.Request) {
	blipContext := newBlipContext(h.ctx, "")
	connection := &passiveConnection{
		ctx:         h.ctx,
		database:    h.database,
		blipContext: blipContext,
		dbActor:     newDBActor(h.database),
	}
	connection.pullSide = newPullSide(h.ctx, connection.dbActor, nil, true, nil)
	connection.registerHandlers()
	defer connection.close()

	server := blipContext.WebSocketServer()
	defaultHandler := server.Handler
	server.Handler = func(conn *websocket.Conn) {
		base.InfofCtx(h.ctx, base.KeyWebSocket, "[%s] Upgraded to BLIP+WebSocket protocol", blipContext.ID)
		defer func() {
			_ = conn.Close() // in case it wasn't closed already
			base.InfofCtx(h.ctx, base.KeyWebSocket, "[%s] BLIP+WebSocket connection closed", blipContext.ID)
		}()
		defaultHandler(conn)
	}
	server.ServeHTTP(response, rq)
}

// passiveConnection is the per-connection state of the passive side.
type passiveConnection struct {
	ctx         context.Context
	database    *db.Database
	blipContext *blip.Context
	dbActor     *dbActor
	pullSide    *pullSide

	lock             sync.Mutex
	activeSubChanges bool
	pusher           *Pusher
}

type passiveHandlerFunc func(*passiveConnection, *blip.Message) error

// handlersByProfile routes each message profile to its handler.
var handlersByProfile = map[string]passiveHandlerFunc{
	messageSubChanges:    (*passiveConnection).handleSubChanges,
	messageChanges:       (*passiveConnection).handleChanges,
	messageRev:           (*passiveConnection).handleRev,
	messageNoRev:         (*passiveConnection).handleNoRev,
	messageGetAttachment: (*passiveConnection).handleGetAttachment,
	messageGetCheckpoint: (*passiveConnection).handleGetCheckpoint,
	messageSetCheckpoint: (*passiveConnection).handleSetCheckpoint,
}

func (pc *passiveConnection) registerHandlers() {
	pc.blipContext.DefaultHandler = pc.notFound
	for profile, handlerFn := range handlersByProfile {
		pc.register(profile, handlerFn)
	}
	pc.blipContext.FatalErrorHandler = func(err error) {
		base.InfofCtx(pc.ctx, base.KeyWebSocket, "[%s] BLIP+WebSocket connection error: %v", pc.blipContext.ID, err)
	}
}

// register wraps a handler with the error-to-response mapping shared by all
// profiles.
func (pc *passiveConnection) register(profile string, handlerFn passiveHandlerFunc) {
	pc.blipContext.HandlerForProfile[profile] = func(rq *blip.Message) {
		startTime := time.Now()
		if err := handlerFn(pc, rq); err != nil {
			status, msg := base.ErrorAsHTTPStatus(err)
			if response := rq.Response(); response != nil {
				response.SetError("HTTP", status, msg)
			}
			base.InfofCtx(pc.ctx, base.KeySyncMsg, "Type:%s   --> %d %s Time:%v", profile, status, msg, time.Since(startTime))
		} else if profile != messageSubChanges {
			base.DebugfCtx(pc.ctx, base.KeySyncMsg, "Type:%s   --> OK Time:%v", profile, time.Since(startTime))
		}
	}
}

func (pc *passiveConnection) notFound(rq *blip.Message) {
	base.InfofCtx(pc.ctx, base.KeySync, "%s    --> 404 Unknown profile %q", rq, rq.Profile())
	blip.Unhandled(rq)
}

func (pc *passiveConnection) close() {
	pc.lock.Lock()
	pusher := pc.pusher
	pc.lock.Unlock()
	if pusher != nil {
		pusher.Stop()
	}
	pc.pullSide.stop()
	pc.dbActor.stop()
}

// handleSubChanges starts a passive pusher feeding changes to the client.
func (pc *passiveConnection) handleSubChanges(rq *blip.Message) error {
	since := parseSequence(rq.Properties[subChangesSince])
	continuous := rq.Properties[subChangesContinuous] == "true"
	if filter := rq.Properties[subChangesFilter]; filter != "" {
		return base.HTTPErrorf(http.StatusBadRequest, "unknown filter %q", filter)
	}
	batchSize := defaultChangesBatchSize
	if batch, err := strconv.ParseUint(rq.Properties[subChangesBatch], 10, 32); err == nil && batch > 0 && batch < math.MaxInt32 {
		batchSize = int(batch)
	}

	// Only one subChanges subscription per connection.
	pc.lock.Lock()
	defer pc.lock.Unlock()
	if pc.activeSubChanges {
		return base.HTTPErrorf(http.StatusBadRequest, "connection already has an outstanding subChanges")
	}
	pc.activeSubChanges = true

	base.InfofCtx(pc.ctx, base.KeySync, "Sending changes since %d (continuous=%v batch=%d)", since, continuous, batchSize)
	pc.pusher = newPusher(pc.ctx, ModePassive, continuous, rq.Sender, pc.dbActor, nil, batchSize, nil)
	pc.pusher.Start(since)
	return nil
}

func (pc *passiveConnection) handleChanges(rq *blip.Message) error {
	return pc.pullSide.handleChanges(rq)
}

func (pc *passiveConnection) handleRev(rq *blip.Message) error {
	return pc.pullSide.handleRev(rq)
}

func (pc *passiveConnection) handleNoRev(rq *blip.Message) error {
	return pc.pullSide.handleNoRev(rq)
}

// handleGetAttachment streams a blob back to the client by digest.
func (pc *passiveConnection) handleGetAttachment(rq *blip.Message) error {
	store := pc.database.BlobStore()
	if store == nil {
		return base.HTTPErrorf(http.StatusNotFound, "no attachment storage")
	}
	digest := rq.Properties[getAttachmentDigest]
	key, ok := blob.KeyFromDigestString(digest)
	if !ok {
		return base.HTTPErrorf(http.StatusBadRequest, "invalid 'digest': %q", digest)
	}
	attachment, err := store.Get(key).Contents()
	if err != nil {
		return base.HTTPErrorf(http.StatusNotFound, "missing attachment %q", digest)
	}
	base.DebugfCtx(pc.ctx, base.KeySync, "Sending attachment with digest=%q (%dkb)", digest, len(attachment)/1024)
	response := rq.Response()
	if response != nil {
		response.SetBody(attachment)
		response.SetCompressed(rq.Properties["compress"] == "true")
	}
	return nil
}

// handleGetCheckpoint returns the stored checkpoint body for a client.
func (pc *passiveConnection) handleGetCheckpoint(rq *blip.Message) error {
	client := rq.Properties[checkpointClient]
	body, rev, err := pc.database.GetLocal(remoteCheckpointPrefix + client)
	if err != nil {
		if base.IsDocNotFoundError(err) {
			return base.HTTPErrorf(http.StatusNotFound, http.StatusText(http.StatusNotFound))
		}
		return err
	}
	response := rq.Response()
	if response == nil {
		return nil
	}
	response.Properties[checkpointResponseRev] = rev
	return response.SetJSONBody(body)
}

// handleSetCheckpoint stores a client's checkpoint, guarded by its rev.
func (pc *passiveConnection) handleSetCheckpoint(rq *blip.Message) error {
	client := rq.Properties[checkpointClient]
	var checkpoint map[string]interface{}
	if err := rq.ReadJSONBody(&checkpoint); err != nil {
		return err
	}
	newRev, err := pc.database.PutLocal(remoteCheckpointPrefix+client, rq.Properties[checkpointResponseRev], checkpoint)
	if err != nil {
		return err
	}
	if response := rq.Response(); response != nil {
		response.Properties[checkpointResponseRev] = newRev
	}
	return nil
}
