package connection

import "strings"

// Type is the transport a chat uses.
type Type int

const (
	TypeUnknown Type = iota
	TypeIOT          // MQTT over websocket, one client per chat
	TypeLPC          // managed websocket, shared across chats
)

func (t Type) String() string {
	switch t {
	case TypeIOT:
		return "IOT"
	case TypeLPC:
		return "LPC"
	default:
		return "UNKNOWN"
	}
}

// iotMarker appears in the host of every IoT websocket endpoint.
const iotMarker = ".iot."

// IsIotURL reports whether url points at an IoT endpoint.
func IsIotURL(url string) bool {
	return strings.Contains(strings.ToLower(url), iotMarker)
}

// Classify picks the transport for d. A connection id only exists for MQTT.
func Classify(d Details) Type {
	if IsIotURL(d.PreSignedConnectionURL) || d.ConnectionID != "" {
		return TypeIOT
	}
	return TypeLPC
}
