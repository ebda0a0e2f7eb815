package session

import (
	"fmt"
	"time"

	"github.com/jmylchreest/radiarr/internal/catalog"
)

// State is the session controller's lifecycle state.
type State int

const (
	// StateIdle means no playback has been requested, or the last request
	// was refused before any network work started.
	StateIdle State = iota
	// StateAuthorizing means the build-model authorization check is in
	// flight.
	StateAuthorizing
	// StateSelectingServer means the origin fallback chain is being
	// assembled.
	StateSelectingServer
	// StateConnecting means a stream fetch against one origin is in
	// flight, bounded by the ready-to-play deadline.
	StateConnecting
	// StateBuffering means playback started but the stream has stalled,
	// bounded by the buffering deadline.
	StateBuffering
	// StatePlaying means audio is flowing.
	StatePlaying
	// StateStopped means playback ended: by the user, or as the soft
	// failure of an expired buffering deadline.
	StateStopped
	// StateFailedTransient means the session was interrupted by a
	// condition expected to clear, connectivity loss above all.
	StateFailedTransient
	// StateFailedPermanent means the session ended on an error that
	// retrying the same way cannot fix.
	StateFailedPermanent
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthorizing:
		return "authorizing"
	case StateSelectingServer:
		return "selecting-server"
	case StateConnecting:
		return "connecting"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StateStopped:
		return "stopped"
	case StateFailedTransient:
		return "failed-transient"
	case StateFailedPermanent:
		return "failed-permanent"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its string form, so snapshots carry
// "playing" rather than a bare ordinal.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state from its string form.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = StateIdle
	case "authorizing":
		*s = StateAuthorizing
	case "selecting-server":
		*s = StateSelectingServer
	case "connecting":
		*s = StateConnecting
	case "buffering":
		*s = StateBuffering
	case "playing":
		*s = StatePlaying
	case "stopped":
		*s = StateStopped
	case "failed-transient":
		*s = StateFailedTransient
	case "failed-permanent":
		*s = StateFailedPermanent
	default:
		return fmt.Errorf("unknown session state %q", text)
	}
	return nil
}

// Active reports whether the state has network work in flight or audio
// flowing. Connectivity loss interrupts active states only.
func (s State) Active() bool {
	switch s {
	case StateAuthorizing, StateSelectingServer, StateConnecting, StateBuffering, StatePlaying:
		return true
	default:
		return false
	}
}

// Settled reports whether the state is a resting point that ends an
// in-progress stream switch.
func (s State) Settled() bool {
	return !s.Active()
}

// StatusKey is one of the fixed localizable status identifiers delivered
// with every status change. Collaborators map these to display strings; the
// controller never emits anything outside this set.
type StatusKey string

const (
	StatusConnecting        StatusKey = "connecting"
	StatusPlaying           StatusKey = "playing"
	StatusBuffering         StatusKey = "buffering"
	StatusPaused            StatusKey = "paused"
	StatusStopped           StatusKey = "stopped"
	StatusNoInternet        StatusKey = "no-internet"
	StatusSecurityFailed    StatusKey = "security-failed"
	StatusStreamUnavailable StatusKey = "stream-unavailable"
)

// Snapshot is a point-in-time copy of the controller's observable state.
type Snapshot struct {
	// State is the lifecycle state.
	State State `json:"state"`
	// Status is the localizable status key last published.
	Status StatusKey `json:"status"`
	// Playing mirrors the status callback's boolean: audio is audible.
	Playing bool `json:"playing"`
	// Stream is the currently tuned stream.
	Stream catalog.Stream `json:"stream"`
	// Server is the origin the session is connected to, or last tried.
	// Empty before the first connection attempt.
	Server string `json:"server,omitempty"`
	// Attempt identifies the current connection attempt, for log
	// correlation. Empty when no attempt is live.
	Attempt string `json:"attempt,omitempty"`
	// TrackTitle is the most recent in-band title. Nil when the stream
	// published none, or cleared it.
	TrackTitle *string `json:"track_title"`
	// Volume is the playback gain last requested.
	Volume float64 `json:"volume"`
	// Online is the last connectivity verdict pushed into the session.
	Online bool `json:"online"`
	// Switching is true while a stream switch is settling.
	Switching bool `json:"switching"`
	// ChangedAt is when any of the above last changed.
	ChangedAt time.Time `json:"changed_at"`
}
