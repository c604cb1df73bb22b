package replicator

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"net/url"

	"github.com/couchbase/go-blip"
	"github.com/couchbaselabs/morse/base"
	"golang.org/x/net/websocket"
)

const (
	// blipAppProtocolID is the AppProtocolId part of the BLIP websocket
	// subprotocol. Must match identically with the peer.
	blipAppProtocolID = "CBMobile_2"

	// BlipSyncPath is the websocket endpoint path a passive peer serves.
	BlipSyncPath = "/_blipsync"
)

// newBlipContext returns a go-blip context with the given ID, wired into
// morse logging.
func newBlipContext(ctx context.Context, id string) *blip.Context {
	var bc *blip.Context
	if id == "" {
		bc = blip.NewContext(blipAppProtocolID)
	} else {
		bc = blip.NewContextCustomID(id, blipAppProtocolID)
	}

	bc.LogMessages = base.LogDebugEnabled(base.KeyWebSocket)
	bc.LogFrames = base.LogDebugEnabled(base.KeyWebSocketFrame)
	bc.Logger = defaultBlipLogger(ctx)

	return bc
}

func defaultBlipLogger(ctx context.Context) blip.LogFn {
	return func(eventType blip.LogEventType, format string, params ...interface{}) {
		switch eventType {
		case blip.LogFrame:
			base.DebugfCtx(ctx, base.KeyWebSocketFrame, format, params...)
		case blip.LogMessage:
			base.DebugfCtx(ctx, base.KeyWebSocket, format, params...)
		default:
			base.InfofCtx(ctx, base.KeyWebSocket, format, params...)
		}
	}
}

// blipSync opens a connection to the target, and returns a blip.Sender to
// send messages over.
func blipSync(target url.URL, blipContext *blip.Context, insecureSkipVerify bool) (*blip.Sender, error) {
	// switch to websocket protocol scheme
	if target.Scheme == "http" {
		target.Scheme = "ws"
	} else if target.Scheme == "https" {
		target.Scheme = "wss"
	}

	config, err := websocket.NewConfig(target.String()+BlipSyncPath, "http://localhost")
	if err != nil {
		return nil, err
	}

	if insecureSkipVerify {
		if config.TlsConfig == nil {
			config.TlsConfig = new(tls.Config)
		}
		config.TlsConfig.InsecureSkipVerify = true
	}

	if target.User != nil {
		config.Header.Add("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(target.User.String())))
	}

	return blipContext.DialConfig(config)
}
