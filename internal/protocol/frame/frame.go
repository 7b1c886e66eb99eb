package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

var (
	ErrStreamClosed    = errors.New("frame: stream closed")
	ErrMalformed       = errors.New("frame: malformed envelope")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Frame is one [code, payload] envelope. Payload holds the raw map bytes.
type Frame struct {
	Code    uint8
	Payload msgpack.RawMessage
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 64 * 1024 * 1024,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxPayloadBytes == 0 {
		l.MaxPayloadBytes = DefaultLimits().MaxPayloadBytes
	}
	return l
}

// Reader decodes consecutive envelopes from a byte stream. Frames are
// self-delimiting so no length prefix is read.
type Reader struct {
	dec    *msgpack.Decoder
	limits Limits
}

func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{dec: msgpack.NewDecoder(r), limits: limits.withDefaults()}
}

func (r *Reader) ReadFrame() (Frame, error) {
	n, err := r.dec.DecodeArrayLen()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, ErrStreamClosed
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n != 2 {
		return Frame{}, fmt.Errorf("%w: envelope length %d", ErrMalformed, n)
	}

	c, err := r.dec.PeekCode()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !isInt(c) {
		return Frame{}, fmt.Errorf("%w: message code is not an integer", ErrMalformed)
	}
	code, err := r.dec.DecodeInt64()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if code < 0 || code > 0xff {
		return Frame{}, fmt.Errorf("%w: message code %d out of range", ErrMalformed, code)
	}

	payload, err := r.dec.DecodeRaw()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if uint64(len(payload)) > r.limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	if len(payload) == 0 || !isMap(payload[0]) {
		return Frame{}, fmt.Errorf("%w: payload is not a map", ErrMalformed)
	}
	return Frame{Code: uint8(code), Payload: payload}, nil
}

// Encode produces the envelope bytes for code and payload. Integers use the
// smallest MessagePack representation and map keys are sorted.
func Encode(code uint8, payload any, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	enc.SetSortMapKeys(true)
	if err := enc.EncodeArrayLen(2); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(uint64(code)); err != nil {
		return nil, err
	}
	payloadStart := buf.Len()
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("frame: encode payload code=%#02x: %w", code, err)
	}
	if uint64(buf.Len()-payloadStart) > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	return buf.Bytes(), nil
}

// WriteFrame encodes and writes one envelope with a single Write call.
func WriteFrame(w io.Writer, code uint8, payload any, limits Limits) error {
	b, err := Encode(code, payload, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Fields splits the payload map into raw field values keyed by name. An
// explicit null value is kept as a single 0xc0 byte so it stays distinct
// from an absent key.
func (f Frame) Fields() (map[string]msgpack.RawMessage, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(f.Payload))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: payload is nil", ErrMalformed)
	}
	out := make(map[string]msgpack.RawMessage, n)
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("%w: field key: %v", ErrMalformed, err)
		}
		val, err := dec.DecodeRaw()
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrMalformed, key, err)
		}
		out[key] = val
	}
	return out, nil
}

// IsNull reports whether raw holds an explicit MessagePack nil. An empty raw
// message is treated the same way.
func IsNull(raw msgpack.RawMessage) bool {
	return len(raw) == 0 || (len(raw) == 1 && raw[0] == msgpcode.Nil)
}

// Unmarshal decodes the payload into v.
func (f Frame) Unmarshal(v any) error {
	return msgpack.Unmarshal(f.Payload, v)
}

func isInt(c byte) bool {
	return msgpcode.IsFixedNum(c) ||
		(c >= msgpcode.Uint8 && c <= msgpcode.Uint64) ||
		(c >= msgpcode.Int8 && c <= msgpcode.Int64)
}

func isMap(c byte) bool {
	return msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32
}
