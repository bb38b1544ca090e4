package sidecar

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize bounds a single frame read from the sidecar.
const maxMessageSize = 64 << 20

const (
	msgHello = "hello"
	msgInfer = "infer"
)

// request is sent to the sidecar. Tensors travel as little-endian float32
// bytes so no per-element encoding is needed.
type request struct {
	Type  string `msgpack:"type"`
	Input []byte `msgpack:"input,omitempty"`
	Shape []int  `msgpack:"shape,omitempty"`
}

type response struct {
	Ready     bool   `msgpack:"ready"`
	InputSize int    `msgpack:"input_size"`
	Output    []byte `msgpack:"output"`
	Shape     []int  `msgpack:"shape"`
	Error     string `msgpack:"error"`
}

// writeMessage writes a 4 byte big-endian length prefix followed by the
// msgpack body.
func writeMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("failed to read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}

// encodeFloats appends src to dst[:0] as little-endian float32 values.
func encodeFloats(dst []byte, src []float32) []byte {
	need := len(src) * 4
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
	return dst
}

func decodeFloats(src []byte) ([]float32, error) {
	if len(src)%4 != 0 {
		return nil, fmt.Errorf("tensor byte length %d is not a multiple of 4", len(src))
	}
	out := make([]float32, len(src)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return out, nil
}
