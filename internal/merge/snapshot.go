package merge

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Snapshot encodings stored in merge_logs.snapshot_encoding.
const (
	EncodingJSON     = "json"
	EncodingJSONZstd = "json+zstd"
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}

// encodeSnapshot serializes a snapshot as zstd-compressed JSON.
func encodeSnapshot(snapshot Snapshot) ([]byte, string, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, "", fmt.Errorf("marshal snapshot: %w", err)
	}
	enc, err := getZstdEncoder()
	if err != nil {
		return nil, "", fmt.Errorf("zstd encoder: %w", err)
	}
	defer zstdEncoderPool.Put(enc)
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), EncodingJSONZstd, nil
}

// decodeSnapshot reverses encodeSnapshot. Plain JSON payloads are accepted
// too.
func decodeSnapshot(payload []byte, encoding string) (Snapshot, error) {
	var snapshot Snapshot
	raw := payload
	switch encoding {
	case EncodingJSONZstd:
		dec, err := getZstdDecoder()
		if err != nil {
			return snapshot, fmt.Errorf("zstd decoder: %w", err)
		}
		defer zstdDecoderPool.Put(dec)
		raw, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return snapshot, fmt.Errorf("decompress snapshot: %w", err)
		}
	case EncodingJSON:
	default:
		return snapshot, fmt.Errorf("unknown snapshot encoding %q", encoding)
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return snapshot, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}
