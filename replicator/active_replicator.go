package replicator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/couchbase/go-blip"
	"github.com/couchbaselabs/morse/base"
)

// Replication states reported by ActiveReplicator.State.
const (
	ReplicationStateStopped      = "stopped"
	ReplicationStateRunning      = "running"
	ReplicationStateReconnecting = "reconnecting"
	ReplicationStateError        = "error"
)

// ActiveReplicator drives one or both directions of a replication against a
// remote peer over a single BLIP connection.
type ActiveReplicator struct {
	ID     string
	config *ActiveReplicatorConfig

	ctx       context.Context
	ctxCancel context.CancelFunc

	lock      sync.RWMutex
	state     string
	lastError error

	blipContext *blip.Context
	blipSender  *blip.Sender
	dbActor     *dbActor
	pusher      *Pusher
	puller      *Puller

	directionsRemaining int
	doneOnce            sync.Once
	doneCh              chan error
}

// NewActiveReplicator validates the config and returns a replicator ready to
// Start.
func NewActiveReplicator(ctx context.Context, config *ActiveReplicatorConfig) (*ActiveReplicator, error) {
	if errs := config.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid replicator config: %v", errs)
	}
	ctx, cancel := context.WithCancel(ctx)
	return &ActiveReplicator{
		ID:        config.ID,
		config:    config,
		ctx:       ctx,
		ctxCancel: cancel,
		state:     ReplicationStateStopped,
		doneCh:    make(chan error, 1),
	}, nil
}

// Start connects and begins replicating. For Continuous directions the
// replicator reconnects with exponential backoff after transport errors.
func (ar *ActiveReplicator) Start() error {
	ar.lock.Lock()
	defer ar.lock.Unlock()
	if err := ar._connect(); err != nil {
		ar._setError(err)
		if ar.isContinuous() {
			go ar.reconnect()
			return nil
		}
		return err
	}
	ar._setState(ReplicationStateRunning)
	return nil
}

func (ar *ActiveReplicator) isContinuous() bool {
	return ar.config.Push == ModeContinuous || ar.config.Pull == ModeContinuous
}

// _connect opens the connection and starts the requested directions.
// Callers hold ar.lock.
func (ar *ActiveReplicator) _connect() error {
	ar.blipContext = newBlipContext(ar.ctx, ar.ID)
	ar.dbActor = newDBActor(ar.config.ActiveDB)

	ar.directionsRemaining = 0
	if ar.config.Push != ModeDisabled {
		ar.directionsRemaining++
	}
	if ar.config.Pull != ModeDisabled {
		ar.directionsRemaining++
	}

	// The pull direction's handlers must be registered before dialing.
	if ar.config.Pull != ModeDisabled {
		ar.puller = newPuller(ar.ctx, ar.config.Pull, nil, ar.dbActor, nil, ar.config.changesBatchSize(), ar.directionComplete)
		ar.blipContext.HandlerForProfile[messageChanges] = ar.errorWrapped(ar.puller.handleChanges)
		ar.blipContext.HandlerForProfile[messageRev] = ar.errorWrapped(ar.puller.handleRev)
		ar.blipContext.HandlerForProfile[messageNoRev] = ar.errorWrapped(ar.puller.handleNoRev)
	}

	sender, err := blipSync(*ar.config.RemoteDBURL, ar.blipContext, ar.config.InsecureSkipVerify)
	if err != nil {
		if ar.puller != nil {
			ar.puller.stop()
			ar.puller = nil
		}
		ar.dbActor.stop()
		ar.dbActor = nil
		return classifyTransportError(err)
	}
	ar.blipSender = sender

	if ar.config.Push != ModeDisabled {
		checkpointer := NewCheckpointer(ar.ctx, ar.ID+"-push", sender, ar.config.ActiveDB, ar.config.checkpointSaveDelay())
		since, err := checkpointer.FetchCheckpoints()
		if err != nil {
			return err
		}
		ar.pusher = newPusher(ar.ctx, ar.config.Push, false, sender, ar.dbActor, checkpointer, ar.config.changesBatchSize(), ar.directionComplete)
		ar.pusher.Start(since)
	}

	if ar.config.Pull != ModeDisabled {
		checkpointer := NewCheckpointer(ar.ctx, ar.ID+"-pull", sender, ar.config.ActiveDB, ar.config.checkpointSaveDelay())
		since, err := checkpointer.FetchCheckpoints()
		if err != nil {
			return err
		}
		ar.puller.blipSender = sender
		ar.puller.checkpointer = checkpointer
		ar.puller.Start(since)
	}

	base.InfofCtx(ar.ctx, base.KeyReplicate, "Started replication %q (push=%v pull=%v)", ar.ID, ar.config.Push, ar.config.Pull)
	return nil
}

// errorWrapped adapts a pull-side handler to the BLIP handler signature,
// mapping errors onto the response.
func (ar *ActiveReplicator) errorWrapped(handlerFn func(*blip.Message) error) func(*blip.Message) {
	return func(rq *blip.Message) {
		if err := handlerFn(rq); err != nil {
			status, msg := base.ErrorAsHTTPStatus(err)
			if response := rq.Response(); response != nil {
				response.SetError("HTTP", status, msg)
			}
		}
	}
}

// directionComplete is invoked by each direction when it finishes (or fails).
func (ar *ActiveReplicator) directionComplete(err error) {
	ar.lock.Lock()
	if err != nil {
		ar._setError(err)
	}
	ar.directionsRemaining--
	remaining := ar.directionsRemaining
	lastError := ar.lastError
	ar.lock.Unlock()

	if remaining > 0 {
		return
	}

	if lastError != nil && ar.isContinuous() && ar.State() != ReplicationStateStopped {
		go ar.reconnect()
		return
	}

	_ = ar.Stop()
	ar.finish(lastError)
}

// reconnect synchronously retries _connect until successful or the context is
// cancelled, backing off exponentially.
func (ar *ActiveReplicator) reconnect() {
	base.DebugfCtx(ar.ctx, base.KeyReplicate, "starting reconnector for %q", ar.ID)

	initialInterval := ar.config.InitialReconnectInterval
	if initialInterval == 0 {
		initialInterval = defaultInitialReconnectInterval
	}
	maxInterval := ar.config.MaxReconnectInterval
	if maxInterval == 0 {
		maxInterval = defaultMaxReconnectInterval
	}

	ctx := ar.ctx
	var deadlineCancel context.CancelFunc
	if ar.config.TotalReconnectTimeout != 0 {
		ctx, deadlineCancel = context.WithDeadline(ctx, time.Now().Add(ar.config.TotalReconnectTimeout))
		defer deadlineCancel()
	}

	sleeperFunc := base.SleeperFuncCtx(
		base.CreateIndefiniteMaxDoublingSleeperFunc(
			int(initialInterval.Milliseconds()),
			int(maxInterval.Milliseconds())),
		ctx)

	retryFunc := func() (shouldRetry bool, err error, _ interface{}) {
		select {
		case <-ar.ctx.Done():
			return false, ar.ctx.Err(), nil
		default:
		}

		ar.lock.Lock()
		ar.state = ReplicationStateReconnecting
		ar._disconnect()
		err = ar._connect()
		ar.lastError = err
		if err == nil {
			ar.state = ReplicationStateRunning
		}
		ar.lock.Unlock()

		if err != nil {
			base.InfofCtx(ar.ctx, base.KeyReplicate, "error starting replicator on reconnect: %v", err)
		}
		return err != nil, err, nil
	}

	if err, _ := base.RetryLoop("replicator reconnect", retryFunc, sleeperFunc); err != nil {
		base.WarnfCtx(ar.ctx, base.KeyReplicate, "couldn't reconnect replicator: %v", err)
		ar.finish(err)
	}
}

// Stop shuts both directions down and closes the connection.
func (ar *ActiveReplicator) Stop() error {
	ar.ctxCancel()
	ar.lock.Lock()
	ar._disconnect()
	ar._setState(ReplicationStateStopped)
	ar.lock.Unlock()
	ar.finish(nil)
	return nil
}

// _disconnect tears down the connection-scoped machinery. Callers hold ar.lock.
func (ar *ActiveReplicator) _disconnect() {
	if ar.pusher != nil {
		ar.pusher.Stop()
		ar.pusher = nil
	}
	if ar.puller != nil {
		ar.puller.Stop()
		ar.puller = nil
	}
	if ar.blipSender != nil {
		ar.blipSender.Close()
		ar.blipSender = nil
	}
	if ar.dbActor != nil {
		ar.dbActor.stop()
		ar.dbActor = nil
	}
}

// Done reports completion of a one-shot replication (or terminal failure of a
// continuous one).
func (ar *ActiveReplicator) Done() <-chan error {
	return ar.doneCh
}

func (ar *ActiveReplicator) finish(err error) {
	ar.doneOnce.Do(func() {
		ar.doneCh <- err
		close(ar.doneCh)
	})
}

func (ar *ActiveReplicator) State() string {
	ar.lock.RLock()
	defer ar.lock.RUnlock()
	return ar.state
}

func (ar *ActiveReplicator) LastError() error {
	ar.lock.RLock()
	defer ar.lock.RUnlock()
	return ar.lastError
}

// _setError updates state and lastError. Callers hold ar.lock.
func (ar *ActiveReplicator) _setError(err error) {
	ar.state = ReplicationStateError
	ar.lastError = err
}

// _setState updates state and clears lastError. Callers hold ar.lock.
func (ar *ActiveReplicator) _setState(state string) {
	ar.state = state
	ar.lastError = nil
}

// classifyTransportError maps dial failures into the Network/WebSocket error
// domains so Continuous replications know to retry them.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return base.MorseErrorf(base.NetworkDomain, base.ErrUnknownHost, "unknown host: %v", err)
		}
		return base.MorseErrorf(base.NetworkDomain, base.ErrDNSFailure, "DNS failure: %v", err)
	}
	if strings.Contains(err.Error(), "tls: ") {
		return base.MorseErrorf(base.NetworkDomain, base.ErrTLSClientCertRejected, "TLS failure: %v", err)
	}
	return base.MorseErrorf(base.WebSocketDomain, 0, "connecting to peer: %v", err)
}
