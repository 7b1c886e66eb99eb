package protocol

import (
	"io"

	"github.com/danmuck/pklctl/internal/protocol/frame"
)

// Encode returns the wire bytes for msg.
func Encode(msg Message, limits frame.Limits) ([]byte, error) {
	return frame.Encode(uint8(msg.Code()), msg, limits)
}

// Write encodes msg and writes it to w with a single Write call.
func Write(w io.Writer, msg Message, limits frame.Limits) error {
	return frame.WriteFrame(w, uint8(msg.Code()), msg, limits)
}
