package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes bounds a single frame unless configured otherwise.
const DefaultMaxFrameBytes = 1 << 20

// Sentinel codec errors. ErrProtocol is terminal for the offending
// connection but never fatal to the process.
var (
	ErrProtocol      = errors.New("protocol error")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Codec frames Messages as newline-terminated JSON over a byte stream.
// Reads and writes are independent; the caller is responsible for
// serializing each side (one reader, one writer).
type Codec struct {
	r        *bufio.Reader
	w        *bufio.Writer
	maxFrame int
}

// NewCodec wraps rw with buffered framing. maxFrame <= 0 selects the default.
func NewCodec(rw io.ReadWriter, maxFrame int) *Codec {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &Codec{
		r:        bufio.NewReaderSize(rw, 64<<10),
		w:        bufio.NewWriterSize(rw, 64<<10),
		maxFrame: maxFrame,
	}
}

// ReadMessage reads one frame, enforcing the size bound, and validates the
// envelope. Oversized frames return ErrFrameTooLarge; malformed JSON or an
// invalid envelope returns an error wrapping ErrProtocol.
func (c *Codec) ReadMessage() (Message, error) {
	line, err := c.readLine()
	if err != nil {
		return Message{}, err
	}

	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		// Tolerate bare keepalive newlines.
		return c.ReadMessage()
	}

	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// readLine accumulates bytes up to the next newline, failing once the frame
// bound is exceeded. The frame is consumed from the stream either way so a
// caller that chooses to continue is not left mid-frame.
func (c *Codec) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > c.maxFrame {
			return nil, ErrFrameTooLarge
		}
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

// WriteMessage frames and flushes one message.
func (c *Codec) WriteMessage(m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(raw)+1 > c.maxFrame {
		return ErrFrameTooLarge
	}
	if _, err := c.w.Write(raw); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}
