// Package wire defines the JSON payload types exchanged with the chat
// backend: transcript items pushed over either transport, REST request and
// response bodies of the participant service, and the managed-websocket
// envelope. Every other package imports these, single source of truth.
package wire

import "encoding/json"

// Item types.
const (
	TypeMessage         = "MESSAGE"
	TypeEvent           = "EVENT"
	TypeAttachment      = "ATTACHMENT"
	TypeConnectionAck   = "CONNECTION_ACK"
	TypeMessageMetadata = "MESSAGE_METADATA"
)

// Participant roles.
const (
	RoleAgent     = "AGENT"
	RoleCustomer  = "CUSTOMER"
	RoleSystem    = "SYSTEM"
	RoleCustomBot = "CUSTOM_BOT"
)

// Content types.
const (
	ContentTypeTextPlain              = "text/plain"
	ContentTypeTextMarkdown           = "text/markdown"
	ContentTypeJSON                   = "application/json"
	ContentTypeTyping                 = "application/vnd.amazonaws.connect.event.typing"
	ContentTypeReadReceipt            = "application/vnd.amazonaws.connect.event.message.read"
	ContentTypeDeliveredReceipt       = "application/vnd.amazonaws.connect.event.message.delivered"
	ContentTypeConnectionAcknowledged = "application/vnd.amazonaws.connect.event.connection.acknowledged"
	ContentTypeParticipantJoined      = "application/vnd.amazonaws.connect.event.participant.joined"
	ContentTypeParticipantLeft        = "application/vnd.amazonaws.connect.event.participant.left"
	ContentTypeChatEnded              = "application/vnd.amazonaws.connect.event.chat.ended"
)

// MessageStatus is the client-side delivery state of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "SENDING"
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
	StatusFailed    MessageStatus = "FAILED"
)

// Transcript scan direction and sort order.
const (
	ScanForward  = "FORWARD"
	ScanBackward = "BACKWARD"

	SortAscending  = "ASCENDING"
	SortDescending = "DESCENDING"
)

// Event persistence and visibility.
const (
	PersistencePersisted    = "PERSISTED"
	PersistenceNonPersisted = "NON_PERSISTED"

	VisibilityAll = "ALL"
)

// --------------------------------------------------------------------------
// Transcript items
// --------------------------------------------------------------------------

// Receipt is a per-recipient read/delivered marker carried by
// MESSAGE_METADATA items. Timestamps are ISO-8601, empty when absent.
type Receipt struct {
	DeliveredTimestamp     string `json:"DeliveredTimestamp,omitempty"`
	ReadTimestamp          string `json:"ReadTimestamp,omitempty"`
	RecipientParticipantID string `json:"RecipientParticipantId,omitempty"`
}

// MessageMetadata carries receipts, the client-side status, and the
// streaming fields of partial bot messages.
type MessageMetadata struct {
	MessageID        string        `json:"MessageId,omitempty"`
	Receipts         []Receipt     `json:"Receipts,omitempty"`
	Status           MessageStatus `json:"Status,omitempty"`
	ChunkNumber      int           `json:"ChunkNumber,omitempty"`
	MessageCompleted *bool         `json:"MessageCompleted,omitempty"`
}

// Attachment describes a file attached to an ATTACHMENT item.
type Attachment struct {
	AttachmentID   string `json:"AttachmentId"`
	AttachmentName string `json:"AttachmentName,omitempty"`
	ContentType    string `json:"ContentType,omitempty"`
	Status         string `json:"Status,omitempty"`
}

// Item is one message or event of a chat transcript.
type Item struct {
	ID               string           `json:"Id"`
	AbsoluteTime     string           `json:"AbsoluteTime"`
	Content          string           `json:"Content,omitempty"`
	ContentType      string           `json:"ContentType,omitempty"`
	Type             string           `json:"Type,omitempty"`
	ParticipantID    string           `json:"ParticipantId,omitempty"`
	DisplayName      string           `json:"DisplayName,omitempty"`
	ParticipantRole  string           `json:"ParticipantRole,omitempty"`
	Attachments      []Attachment     `json:"Attachments,omitempty"`
	MessageMetadata  *MessageMetadata `json:"MessageMetadata,omitempty"`
	ContactID        string           `json:"ContactId,omitempty"`
	InitialContactID string           `json:"InitialContactId,omitempty"`
	RelatedContactID string           `json:"RelatedContactId,omitempty"`

	// Debug holds the raw payload the item was decoded from.
	Debug string `json:"-"`
}

// Clone returns a deep copy of it.
func (it Item) Clone() Item {
	out := it
	if it.Attachments != nil {
		out.Attachments = append([]Attachment(nil), it.Attachments...)
	}
	if it.MessageMetadata != nil {
		md := *it.MessageMetadata
		if md.Receipts != nil {
			md.Receipts = append([]Receipt(nil), md.Receipts...)
		}
		if md.MessageCompleted != nil {
			v := *md.MessageCompleted
			md.MessageCompleted = &v
		}
		out.MessageMetadata = &md
	}
	return out
}

// Status returns the client-side status or "" when none is recorded.
func (it Item) Status() MessageStatus {
	if it.MessageMetadata == nil {
		return ""
	}
	return it.MessageMetadata.Status
}

// SetStatus records s, allocating metadata when needed.
func (it *Item) SetStatus(s MessageStatus) {
	if it.MessageMetadata == nil {
		it.MessageMetadata = &MessageMetadata{MessageID: it.ID}
	}
	it.MessageMetadata.Status = s
}

// DecodeItem parses a transcript item from raw JSON and keeps the raw text
// in Debug.
func DecodeItem(raw []byte) (Item, error) {
	var it Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return Item{}, err
	}
	it.Debug = string(raw)
	return it, nil
}

// Bool returns a pointer to v, for MessageCompleted literals.
func Bool(v bool) *bool { return &v }

// --------------------------------------------------------------------------
// Participant service REST bodies
// --------------------------------------------------------------------------

// SendMessageRequest is the body of POST /participant/message.
type SendMessageRequest struct {
	ContentType string `json:"ContentType"`
	Content     string `json:"Content"`
	ClientToken string `json:"ClientToken,omitempty"`
}

// SendEventRequest is the body of POST /participant/event.
type SendEventRequest struct {
	ContentType string   `json:"ContentType"`
	Content     string   `json:"Content,omitempty"`
	ClientToken string   `json:"ClientToken,omitempty"`
	EventType   string   `json:"EventType,omitempty"`
	MessageIDs  []string `json:"MessageIds,omitempty"`
	Visibility  string   `json:"Visibility,omitempty"`
	Persistence string   `json:"Persistence,omitempty"`
}

// SendResponse is returned by the message and event endpoints.
type SendResponse struct {
	ID           string `json:"Id"`
	AbsoluteTime string `json:"AbsoluteTime"`
}

// StartPosition anchors a transcript scan.
type StartPosition struct {
	ID           string `json:"Id,omitempty"`
	AbsoluteTime string `json:"AbsoluteTime,omitempty"`
	MostRecent   int    `json:"MostRecent,omitempty"`
}

// GetTranscriptRequest is the body of POST /participant/transcript.
type GetTranscriptRequest struct {
	ContactID     string         `json:"ContactId,omitempty"`
	MaxResults    int            `json:"MaxResults,omitempty"`
	NextToken     string         `json:"NextToken,omitempty"`
	ScanDirection string         `json:"ScanDirection,omitempty"`
	SortKey       string         `json:"SortOrder,omitempty"`
	StartKey      *StartPosition `json:"StartPosition,omitempty"`
}

// GetTranscriptResponse is a page of transcript history.
type GetTranscriptResponse struct {
	InitialContactID string `json:"InitialContactId"`
	Transcript       []Item `json:"Transcript"`
	NextToken        string `json:"NextToken,omitempty"`
}

// DisconnectRequest is the body of POST /participant/disconnect.
type DisconnectRequest struct {
	ClientToken string `json:"ClientToken,omitempty"`
}

// Connection types requested from POST /participant/connection.
const (
	ConnectionTypeWebsocket   = "WEBSOCKET"
	ConnectionTypeCredentials = "CONNECTION_CREDENTIALS"
)

// CreateParticipantConnectionRequest is the body of POST /participant/connection.
type CreateParticipantConnectionRequest struct {
	Type               []string `json:"Type"`
	ConnectParticipant bool     `json:"ConnectParticipant,omitempty"`
}

// Websocket is the transport endpoint of a participant connection.
type Websocket struct {
	URL              string `json:"Url"`
	ConnectionExpiry string `json:"ConnectionExpiry,omitempty"`
}

// ConnectionCredentials authenticates REST calls for the connection.
type ConnectionCredentials struct {
	ConnectionToken string `json:"ConnectionToken"`
	Expiry          string `json:"Expiry,omitempty"`
}

// CreateParticipantConnectionResponse carries websocket and credentials together.
type CreateParticipantConnectionResponse struct {
	Websocket             *Websocket             `json:"Websocket,omitempty"`
	ConnectionCredentials *ConnectionCredentials `json:"ConnectionCredentials,omitempty"`
}

// ParticipantCredentials is the credentials block of the legacy endpoint.
type ParticipantCredentials struct {
	ConnectionAuthenticationToken string `json:"ConnectionAuthenticationToken"`
	Expiry                        string `json:"Expiry,omitempty"`
}

// CreateConnectionDetailsRequest is the body of POST /contact/chat/participant/connection-details.
type CreateConnectionDetailsRequest struct {
	ParticipantToken string `json:"ParticipantToken"`
}

// CreateConnectionDetailsResponse is the legacy response that carries the
// MQTT connection id.
type CreateConnectionDetailsResponse struct {
	ConnectionID           string                 `json:"ConnectionId"`
	PreSignedConnectionURL string                 `json:"PreSignedConnectionUrl"`
	ParticipantCredentials ParticipantCredentials `json:"ParticipantCredentials"`
}

// --------------------------------------------------------------------------
// Managed websocket envelope
// --------------------------------------------------------------------------

// Managed websocket topics.
const (
	TopicSubscribe = "aws/subscribe"
	TopicHeartbeat = "aws/heartbeat"
	TopicChat      = "aws/chat"
)

// Envelope is every frame on the managed websocket.
type Envelope struct {
	Topic   string          `json:"topic"`
	Content json.RawMessage `json:"content,omitempty"`
}

// SubscribeContent is the content of an aws/subscribe request.
type SubscribeContent struct {
	Topics []string `json:"topics"`
}

// SubscribeResult is the content of an aws/subscribe response.
type SubscribeResult struct {
	Status string   `json:"status"`
	Topics []string `json:"topics"`
}

// ChatContent unwraps the content of an aws/chat frame, which is a JSON
// string holding a transcript item.
func (e Envelope) ChatContent() ([]byte, error) {
	var s string
	if err := json.Unmarshal(e.Content, &s); err != nil {
		// Some deployments send the item as an object rather than a string.
		return e.Content, nil
	}
	return []byte(s), nil
}
