package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Decoder reads newline-delimited frames from a transport.
type Decoder struct {
	scanner *bufio.Scanner
	maxSize int
}

// NewDecoder creates a decoder over r with the default frame size limit.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, MaxFrameSize)
}

// NewDecoderSize creates a decoder with an explicit frame size limit.
func NewDecoderSize(r io.Reader, maxSize int) *Decoder {
	scanner := bufio.NewScanner(r)
	initial := 4096
	if maxSize < initial {
		initial = maxSize
	}
	scanner.Buffer(make([]byte, 0, initial), maxSize)
	return &Decoder{scanner: scanner, maxSize: maxSize}
}

// Next reads and parses the next frame. It returns io.EOF when the
// transport is exhausted, ErrMessageTooLarge when a frame exceeds the
// limit, and ErrMalformedFrame when a frame is not a valid envelope.
// Blank lines are skipped.
func (d *Decoder) Next() (*Message, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if msg.Version != Version {
			return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedFrame, msg.Version)
		}
		if msg.Type == "" {
			return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
		}
		return &msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, ErrMessageTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}

// Encoder serializes frames onto a transport, one per line. It is safe
// for use from multiple goroutines.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an encoder over w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes a single frame followed by a newline.
func (e *Encoder) Encode(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: encode %s: %w", msg.Type, err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}
