package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxMessageSize bounds a single frame's body.
const DefaultMaxMessageSize = 1 << 20

var ErrMessageTooLarge = errors.New("network: message exceeds maximum size")

// Message is one decoded client message. "type" selects the handling.
type Message map[string]any

// Type returns the message's "type" field.
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}

// WriteFrame writes msg as a 4-byte big-endian length followed by its JSON
// encoding.
func WriteFrame(w io.Writer, msg any, maxSize int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("network: encoding message: %w", err)
	}
	if len(body) > maxSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one frame body. A zero or oversized length is reported
// with ErrMessageTooLarge after the frame is skipped, so the stream stays
// in sync.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 || int64(n) > int64(maxSize) {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func decodeMessage(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.New("network: message is not a JSON object")
	}
	return msg, nil
}
