package frame

import (
	"github.com/klauspost/compress/zstd"
)

// CompressionThreshold is the envelope size above which Encode compresses.
const CompressionThreshold = 1024

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(4*MaxPayloadLen))
)

// Compress returns (zstd(payload), true) when payload is over the threshold
// and compression shrinks it, otherwise (payload, false).
func Compress(payload []byte) ([]byte, bool) {
	if len(payload) <= CompressionThreshold {
		return payload, false
	}
	out := encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	if len(out) >= len(payload) {
		return payload, false
	}
	return out, true
}

// Decompress inflates a zstd payload.
func Decompress(data []byte) ([]byte, error) {
	return decoder.DecodeAll(data, nil)
}
