package framing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultReadSize is the chunk size requested from the stream per read.
const DefaultReadSize = 1024

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxFrameSize overrides the accumulator cap (default MaxFrameSize).
func WithMaxFrameSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.max = n
		}
	}
}

// WithReadSize overrides the per-read chunk size (default DefaultReadSize).
func WithReadSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.chunk = make([]byte, n)
		}
	}
}

// Decoder splits a byte stream into frames.
//
// Every newline-terminated segment becomes one frame, in stream order, with
// the newline removed. When the accumulator grows past the cap without a
// newline, its whole content is flushed as one frame. Not safe for
// concurrent use; a connection has exactly one reader.
type Decoder struct {
	r     io.Reader
	acc   bytes.Buffer
	chunk []byte
	max   int

	// frames extracted by the last read but not yet returned
	pending [][]byte
	err     error
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		r:     r,
		chunk: make([]byte, DefaultReadSize),
		max:   MaxFrameSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next frame. It returns io.EOF once the stream has ended;
// any other error is a read failure on the underlying stream. An unterminated
// trailing frame is dropped at end of stream.
func (d *Decoder) Next() ([]byte, error) {
	for len(d.pending) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		d.fill()
	}
	f := d.pending[0]
	d.pending[0] = nil
	d.pending = d.pending[1:]
	return f, nil
}

// Buffered returns the number of accumulated bytes not yet framed.
func (d *Decoder) Buffered() int { return d.acc.Len() }

func (d *Decoder) fill() {
	n, err := d.r.Read(d.chunk)
	if n > 0 {
		d.acc.Write(d.chunk[:n])
		d.extract()
	}
	switch {
	case err == nil && n == 0:
		// A zero-length read without error is treated as end of stream.
		d.err = io.EOF
	case errors.Is(err, io.EOF):
		d.err = io.EOF
	case err != nil:
		d.err = fmt.Errorf("framing: read: %w", err)
	}
}

func (d *Decoder) extract() {
	for {
		b := d.acc.Bytes()
		i := bytes.IndexByte(b, delimiter)
		if i < 0 {
			break
		}
		d.pending = append(d.pending, stripNewlines(b[:i]))
		d.acc.Next(i + 1)
	}
	if d.acc.Len() > d.max {
		d.pending = append(d.pending, stripNewlines(d.acc.Bytes()))
		d.acc.Reset()
	}
}

// stripNewlines copies b without any newline characters.
func stripNewlines(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c != delimiter {
			out = append(out, c)
		}
	}
	return out
}
