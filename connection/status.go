package connection

import "errors"

var (
	ErrAlreadyStarted     = errors.New("connection: helper already started")
	ErrAlreadyInitialized = errors.New("connection: details provider already initialized")
	ErrNotInitialized     = errors.New("connection: details provider not initialized")
	ErrIllegalArgument    = errors.New("connection: participant token, connection details or token minter required")
	ErrStaticDetails      = errors.New("connection: cannot reuse static connection details")
	ErrEnded              = errors.New("connection: helper ended")
	ErrOffline            = errors.New("connection: network offline")
)

// Status is the lifecycle state of a helper.
//
//	NeverStarted -> Starting -> Connected | Ended
//	Connected -> ConnectionLost | Ended
//	ConnectionLost -> Connected | Ended
//
// Ended is terminal.
type Status int

const (
	StatusNeverStarted Status = iota
	StatusStarting
	StatusConnected
	StatusConnectionLost
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusNeverStarted:
		return "NeverStarted"
	case StatusStarting:
		return "Starting"
	case StatusConnected:
		return "Connected"
	case StatusConnectionLost:
		return "ConnectionLost"
	case StatusEnded:
		return "Ended"
	default:
		return "Unknown"
	}
}

// EndedEvent is emitted once when a helper ends.
type EndedEvent struct {
	Reason string
	Err    error
}

// ConnectionLostEvent is emitted when an established transport drops and
// the helper will try to reconnect.
type ConnectionLostEvent struct {
	Reason string
	Err    error
}
