package wire

import (
	"github.com/klauspost/compress/zstd"
)

// Bodies at or below this size ship raw: framing overhead beats zstd's gains
// on small JSON envelopes.
const compressionThreshold = 1024

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// packBody prepares an envelope body for framing. Returns the bytes to frame
// and the flags describing them; compression is applied only when it actually
// shrinks the body.
func packBody(body []byte) ([]byte, uint8) {
	if len(body) <= compressionThreshold {
		return body, 0
	}

	packed := zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)))
	if len(packed) >= len(body) {
		return body, 0
	}
	return packed, FlagCompressed
}

// unpackBody reverses packBody per the frame's flags.
func unpackBody(body []byte, flags uint8) ([]byte, error) {
	if flags&FlagCompressed == 0 {
		return body, nil
	}
	return zstdDecoder.DecodeAll(body, nil)
}
