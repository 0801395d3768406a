// Package sse reads and writes the line-framed event stream spoken by the
// workflow backend: one `data: <json>` line per frame, terminated by a
// `data: [DONE]` line.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DoneSentinel is the payload of the frame that ends a stream.
const DoneSentinel = "[DONE]"

const dataPrefix = "data: "

// ErrInvalidJSON marks a data line whose payload is not a JSON document.
var ErrInvalidJSON = errors.New("payload is not valid json")

// Frame is one decoded data line.
type Frame struct {
	// Data is the JSON payload with the line framing stripped. Empty when Done.
	Data []byte
	// Done reports that the termination sentinel was reached.
	Done bool
	// Line is the 1-based line number the frame was read from.
	Line int
}

// FrameError reports a single malformed line. It does not poison the
// decoder: Next can be called again to continue with the following lines.
type FrameError struct {
	Line    int
	Payload string
	Err     error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("sse: malformed frame on line %d: %v", e.Line, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Decoder turns a byte stream into frames. Partial lines are buffered across
// reads, so frames may be split over any number of chunks.
type Decoder struct {
	r    *bufio.Reader
	line int
	err  error
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next frame. It returns io.EOF once the input is exhausted,
// a *FrameError for a malformed line (decoding may continue), or the
// underlying read error, which is sticky.
func (d *Decoder) Next() (Frame, error) {
	for {
		if d.err != nil {
			return Frame{}, d.err
		}

		raw, err := d.r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.err = err
				return Frame{}, err
			}
			d.err = io.EOF
			if len(raw) == 0 {
				return Frame{}, io.EOF
			}
		}
		d.line++

		frame, ok, ferr := d.decodeLine(raw)
		if ferr != nil {
			return Frame{}, ferr
		}
		if ok {
			return frame, nil
		}
	}
}

// decodeLine reports ok=false for lines that carry no frame: blanks,
// comments and non-data fields.
func (d *Decoder) decodeLine(raw []byte) (Frame, bool, error) {
	line := bytes.TrimRight(raw, "\r\n")
	if len(line) == 0 || line[0] == ':' {
		return Frame{}, false, nil
	}
	if !bytes.HasPrefix(line, []byte("data:")) {
		return Frame{}, false, nil
	}

	payload := bytes.TrimPrefix(line, []byte("data:"))
	payload = bytes.TrimPrefix(payload, []byte(" "))
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return Frame{}, false, nil
	}

	if string(trimmed) == DoneSentinel {
		return Frame{Done: true, Line: d.line}, true, nil
	}

	if !json.Valid(trimmed) {
		return Frame{}, false, &FrameError{Line: d.line, Payload: string(payload), Err: ErrInvalidJSON}
	}

	data := make([]byte, len(trimmed))
	copy(data, trimmed)
	return Frame{Data: data, Line: d.line}, true, nil
}
