package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/bigset/pkg/types"
)

// EncodeFrame serializes an operation with its 4-byte big-endian length
// prefix, ready to write to a peer connection.
func EncodeFrame(op *types.Operation) []byte {
	payload := EncodeOperation(op)
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame
}

// ReadFrame reads one length-prefixed payload. A clean close before the
// prefix returns io.EOF. A length outside (0, MaxMessageSize] means framing
// is corrupt and the connection cannot be resynchronized.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 || length > MaxMessageSize {
		return nil, fmt.Errorf("frame length %d out of range", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
