package postgres

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/ahrav/anomaly-armada/internal/domain/results"
)

// Quantiles are stored as a one byte codec tag, the uncompressed length as a
// little endian uint32, then the payload. Inputs lz4 cannot shrink are kept raw.
const (
	codecRaw byte = 0
	codecLZ4 byte = 1

	headerSize = 5
)

var errCorruptQuantiles = errors.New("corrupt quantiles blob")

func compressQuantiles(q *results.Quantiles) ([]byte, error) {
	if q == nil {
		return nil, nil
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal quantiles: %w", err)
	}

	out := make([]byte, headerSize+lz4.CompressBlockBound(len(raw)))
	binary.LittleEndian.PutUint32(out[1:headerSize], uint32(len(raw)))

	written, err := lz4.CompressBlock(raw, out[headerSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("compress quantiles: %w", err)
	}
	if written == 0 || written >= len(raw) {
		out[0] = codecRaw
		return append(out[:headerSize], raw...), nil
	}
	out[0] = codecLZ4
	return out[:headerSize+written], nil
}

func decompressQuantiles(blob []byte) (*results.Quantiles, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if len(blob) < headerSize {
		return nil, errCorruptQuantiles
	}
	size := binary.LittleEndian.Uint32(blob[1:headerSize])
	payload := blob[headerSize:]

	var raw []byte
	switch blob[0] {
	case codecRaw:
		raw = payload
	case codecLZ4:
		raw = make([]byte, size)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errCorruptQuantiles, err)
		}
		raw = raw[:n]
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", errCorruptQuantiles, blob[0])
	}
	if uint32(len(raw)) != size {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", errCorruptQuantiles, size, len(raw))
	}

	q := new(results.Quantiles)
	if err := json.Unmarshal(raw, q); err != nil {
		return nil, fmt.Errorf("unmarshal quantiles: %w", err)
	}
	return q, nil
}
