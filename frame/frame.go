// Package frame encodes and decodes managed-websocket frames.
//
// Every frame is a JSON envelope {"topic": ..., "content": ...}. Small
// envelopes travel as websocket text frames. Envelopes above the compression
// threshold travel as binary frames holding the zstd-compressed JSON.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/NeboLoop/chatsession-go-sdk/wire"
)

// MaxPayloadLen bounds the decoded size of one envelope.
const MaxPayloadLen = 128 * 1024

var (
	ErrPayloadTooLarge = errors.New("frame: payload exceeds maximum size")
	ErrNoTopic         = errors.New("frame: envelope has no topic")
)

// fingerprintSpace namespaces frame fingerprints so they never collide with
// ids minted elsewhere from the same bytes.
var fingerprintSpace = uuid.MustParse("6b1d8a8e-2f4c-4f0e-9a57-3c0e8d5f7a21")

// Encode serialises env. binary reports whether the result was compressed
// and must go out as a binary frame.
func Encode(env wire.Envelope) (data []byte, binary bool, err error) {
	if env.Topic == "" {
		return nil, false, ErrNoTopic
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, false, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(raw) > MaxPayloadLen {
		return nil, false, ErrPayloadTooLarge
	}
	data, binary = Compress(raw)
	return data, binary, nil
}

// Decode parses one frame. binary frames are decompressed first.
func Decode(data []byte, binary bool) (wire.Envelope, error) {
	if binary {
		plain, err := Decompress(data)
		if err != nil {
			return wire.Envelope{}, fmt.Errorf("decompress: %w", err)
		}
		data = plain
	}
	if len(data) > MaxPayloadLen {
		return wire.Envelope{}, ErrPayloadTooLarge
	}

	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return wire.Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Topic == "" {
		return wire.Envelope{}, ErrNoTopic
	}
	return env, nil
}

// Fingerprint derives a stable 16-byte id for a frame's content. The backend
// replays recent chat frames after a reconnect and the fingerprint is what
// the dedup window keys on.
func Fingerprint(content []byte) [16]byte {
	return uuid.NewSHA1(fingerprintSpace, content)
}

// Subscribe builds an aws/subscribe request for topics.
func Subscribe(topics ...string) wire.Envelope {
	content, _ := json.Marshal(wire.SubscribeContent{Topics: topics})
	return wire.Envelope{Topic: wire.TopicSubscribe, Content: content}
}

// Heartbeat builds an aws/heartbeat ping.
func Heartbeat() wire.Envelope {
	return wire.Envelope{Topic: wire.TopicHeartbeat}
}
