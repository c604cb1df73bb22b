package replicator

import (
	"fmt"
	"net/url"
	"time"

	"github.com/couchbaselabs/morse/db"
)

// ReplicationMode selects behavior per direction.
type ReplicationMode uint8

const (
	ModeDisabled ReplicationMode = iota
	ModePassive
	ModeOneShot
	ModeContinuous
)

func (m ReplicationMode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModePassive:
		return "passive"
	case ModeOneShot:
		return "one-shot"
	case ModeContinuous:
		return "continuous"
	}
	return fmt.Sprintf("ReplicationMode(%d)", uint8(m))
}

const (
	defaultChangesBatchSize    = 200
	defaultCheckpointSaveDelay = time.Second * 5

	defaultInitialReconnectInterval = time.Second
	defaultMaxReconnectInterval     = time.Minute * 5
)

// ActiveReplicatorConfig configures one ActiveReplicator.
type ActiveReplicatorConfig struct {
	// ID identifies this replication for checkpointing. The same ID resumes
	// from the previously saved checkpoint.
	ID string

	// Push and Pull set the mode per direction.
	Push ReplicationMode
	Pull ReplicationMode

	// ActiveDB is the local database.
	ActiveDB *db.Database

	// RemoteDBURL is the peer's endpoint, including any basic auth
	// credentials. Scheme http(s) is switched to ws(s) on dial.
	RemoteDBURL *url.URL

	// ChangesBatchSize is the max rows per changes message. Default 200.
	ChangesBatchSize int

	// CheckpointSaveDelay coalesces checkpoint writes. Default 5s.
	CheckpointSaveDelay time.Duration

	// Reconnect backoff, used when a Continuous direction loses its
	// connection. Zero values take the defaults.
	InitialReconnectInterval time.Duration
	MaxReconnectInterval     time.Duration
	TotalReconnectTimeout    time.Duration

	InsecureSkipVerify bool
}

// Validate returns a slice of validation errors for the given replicator config.
func (arc *ActiveReplicatorConfig) Validate() (errors []error) {
	if arc.ID == "" {
		errors = append(errors, fmt.Errorf("empty replication ID"))
	}

	if arc.Push == ModeDisabled && arc.Pull == ModeDisabled {
		errors = append(errors, fmt.Errorf("both push and pull are disabled"))
	}
	if arc.Push == ModePassive || arc.Pull == ModePassive {
		errors = append(errors, fmt.Errorf("active replicator can't run in passive mode; serve a PassiveHandler instead"))
	}

	if arc.ActiveDB == nil {
		errors = append(errors, fmt.Errorf("nil ActiveDB"))
	}

	if arc.RemoteDBURL == nil {
		errors = append(errors, fmt.Errorf("empty RemoteDBURL"))
	} else {
		if arc.RemoteDBURL.Host == "" {
			errors = append(errors, fmt.Errorf("empty host for RemoteDBURL: %v", arc.RemoteDBURL))
		}
		if arc.RemoteDBURL.Scheme != "http" && arc.RemoteDBURL.Scheme != "https" &&
			arc.RemoteDBURL.Scheme != "ws" && arc.RemoteDBURL.Scheme != "wss" {
			errors = append(errors, fmt.Errorf("unknown protocol scheme for RemoteDBURL: %v", arc.RemoteDBURL))
		}
	}

	return errors
}

func (arc *ActiveReplicatorConfig) changesBatchSize() int {
	if arc.ChangesBatchSize > 0 {
		return arc.ChangesBatchSize
	}
	return defaultChangesBatchSize
}

func (arc *ActiveReplicatorConfig) checkpointSaveDelay() time.Duration {
	if arc.CheckpointSaveDelay > 0 {
		return arc.CheckpointSaveDelay
	}
	return defaultCheckpointSaveDelay
}
