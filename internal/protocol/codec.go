package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// DefaultMaxMessageBytes caps a single encoded message.
const DefaultMaxMessageBytes = 8 * 1024 * 1024

// ErrMessageTooLarge is returned when a message exceeds the configured cap.
var ErrMessageTooLarge = errors.New("protocol: message too large")

// ErrInvalidMessage is returned by Encode for a message that breaks the
// envelope rules or cannot be marshalled. Nothing has been written.
var ErrInvalidMessage = errors.New("protocol: invalid message")

// Encode validates msg and writes it as one JSON line in a single Write call.
func Encode(w io.Writer, msg *Message, maxBytes int) error {
	if err := Validate(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		return fmt.Errorf("%w: failed to encode message: %v", ErrInvalidMessage, err)
	}
	if buf.Len() > maxBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, buf.Len(), maxBytes)
	}
	if _, err := w.Write(buf.B); err != nil {
		return err
	}
	return nil
}

// Decoder reads line-delimited messages from a stream.
type Decoder struct {
	r        *bufio.Reader
	maxBytes int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, maxBytes int) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Decoder{r: bufio.NewReader(r), maxBytes: maxBytes}
}

// Decode reads and validates the next message. io.EOF is returned unwrapped
// when the stream ends cleanly between messages.
func (d *Decoder) Decode() (*Message, error) {
	line, err := d.readLine()
	if err != nil {
		return nil, err
	}

	var msg Message
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields() // Strict parsing
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := Validate(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > d.maxBytes {
			return nil, fmt.Errorf("%w: exceeds %d bytes", ErrMessageTooLarge, d.maxBytes)
		}
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// Validate checks envelope invariants.
func Validate(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	if msg.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", msg.Protocol)
	}

	set := 0
	for _, present := range []bool{msg.Init != nil, msg.Call != nil, msg.Result != nil, msg.Shutdown != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("message carries %d payloads, want at most 1", set)
	}

	switch msg.Type {
	case TypeInit:
		if msg.Init == nil {
			return fmt.Errorf("init message missing init payload")
		}
		if msg.Init.ID == "" || msg.Init.Kind == "" {
			return fmt.Errorf("init message missing required field: id or kind")
		}
	case TypeCall:
		if msg.Call == nil {
			return fmt.Errorf("call message missing call payload")
		}
		if msg.Call.ID == "" || msg.Call.Op == "" {
			return fmt.Errorf("call message missing required field: id or op")
		}
	case TypeResult:
		if msg.Result == nil {
			return fmt.Errorf("result message missing result payload")
		}
		r := msg.Result
		if r.ID == "" {
			return fmt.Errorf("result message missing required field: id")
		}
		if r.Status != StatusOK && r.Status != StatusError {
			return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", r.Status)
		}
		if r.Status == StatusError && r.Error == "" {
			return fmt.Errorf("result has status=error but no error message")
		}
	case TypeShutdown:
	default:
		return fmt.Errorf("unknown message type: %q", msg.Type)
	}
	return nil
}
