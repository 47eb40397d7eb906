package chatsession

import (
	"errors"
	"fmt"

	"github.com/NeboLoop/chatsession-go-sdk/connection"
	"github.com/NeboLoop/chatsession-go-sdk/wire"
)

// --------------------------------------------------------------------------
// Session types
// --------------------------------------------------------------------------

// SessionType is the role the local participant plays.
type SessionType string

const (
	SessionAgent    SessionType = "AGENT"
	SessionCustomer SessionType = "CUSTOMER"
)

// ConnectionStatus is the consumer-facing connection state.
type ConnectionStatus string

const (
	StatusNeverEstablished ConnectionStatus = "NeverEstablished"
	StatusEstablishing     ConnectionStatus = "Establishing"
	StatusEstablished      ConnectionStatus = "Established"
	StatusBroken           ConnectionStatus = "Broken"
)

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

// Events a Session emits. Handlers run on the session's dispatcher
// goroutine, never inside the call that raised them.
const (
	EventConnectionEstablished = "CONNECTION_ESTABLISHED"
	EventConnectionBroken      = "CONNECTION_BROKEN"
	EventConnectionLost        = "CONNECTION_LOST"
	EventIncomingMessage       = "INCOMING_MESSAGE"
	EventIncomingTyping        = "INCOMING_TYPING"
	EventChatEnded             = "CHAT_ENDED"
)

// ChatDetails identifies the chat an event belongs to.
type ChatDetails struct {
	InitialContactID  string
	ContactID         string
	ParticipantID     string
	ParticipantToken  string
	ConnectionDetails connection.Details
}

// Event is the payload of every session event. Data is a wire.Item for
// incoming events, a connection.EndedEvent or connection.ConnectionLostEvent
// for connection events, and nil otherwise.
type Event struct {
	Data        any
	ChatDetails ChatDetails
}

// --------------------------------------------------------------------------
// Operation arguments and results
// --------------------------------------------------------------------------

// SendMessageArgs are the arguments of Session.SendMessage.
type SendMessageArgs struct {
	Message     string
	ContentType string // defaults to text/plain
	Metadata    any    // echoed back, never sent
}

// SendEventArgs are the arguments of Session.SendEvent.
type SendEventArgs struct {
	ContentType string
	Content     string
	EventType   string
	MessageIDs  []string
	Persistence string
	Visibility  string
	Metadata    any
}

// GetTranscriptArgs are the arguments of Session.GetTranscript.
type GetTranscriptArgs struct {
	StartKey      *wire.StartPosition
	ScanDirection string // defaults to BACKWARD
	SortKey       string // defaults to ASCENDING
	MaxResults    int    // defaults to 15
	NextToken     string
	Metadata      any
}

// Result is a backend response with the caller's metadata echoed back.
// Message is set when the call was settled without a response, as for a
// receipt that was already sent.
type Result[T any] struct {
	Data     T
	Metadata any
	Message  string
}

// ConnectResult is returned by a successful Connect.
type ConnectResult struct {
	ConnectSuccess bool
	ConnectCalled  bool
	Metadata       any
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	ErrInvalidSessionType = errors.New("chatsession: session type must be AGENT or CUSTOMER")
	ErrAlreadyConnected   = errors.New("chatsession: connect already called")
	ErrNotConnected       = errors.New("chatsession: not connected")
	ErrSessionClosed      = errors.New("chatsession: session closed")
	ErrMissingMessageID   = errors.New("chatsession: receipt needs a message id")
	ErrReceiptsDisabled   = errors.New("chatsession: message receipts are disabled")
)

// ConnectError reports a failed Connect without exposing which transport
// failed. Debug holds the underlying error.
type ConnectError struct {
	ConnectSuccess bool
	Reason         string
	Debug          error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect: %s: %v", e.Reason, e.Debug)
}

func (e *ConnectError) Unwrap() error { return e.Debug }

// OperationError wraps a failed SendMessage, SendEvent, GetTranscript or
// DisconnectParticipant with the caller's metadata.
type OperationError struct {
	Op       string
	Metadata any
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
