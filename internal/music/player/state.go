package player

import "errors"

type State int

const (
	StateIdle State = iota
	StatePreparing
	StateStreaming
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyPaused  = errors.New("playback is already paused")
	ErrNotPaused      = errors.New("playback is not paused")
	ErrQueueEmpty     = errors.New("no tracks in queue")
	ErrSessionStopped = errors.New("session is stopped")
)
