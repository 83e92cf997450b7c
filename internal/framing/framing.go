// Package framing implements the newline-delimited chat protocol carried over
// an RFCOMM stream.
//
// Wire format (byte exact):
//
//	<utf8 text>\n
//	FILE:<name>:<base64, standard alphabet, padded, no line wrapping>\n
//
// There is no escaping, length prefix or checksum. A newline inside message
// text therefore splits it into two frames on the receiving side.
package framing

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxFrameSize is the accumulator size past which a frame is flushed even
	// though no newline has arrived.
	MaxFrameSize = 1_000_000

	// FilePrefix marks a file-transfer frame.
	FilePrefix = "FILE:"

	// Separator splits the fields of a file-transfer frame.
	Separator = ":"

	delimiter = '\n'
)

var (
	// ErrMalformedFrame reports a FILE: frame that could not be parsed. It is
	// never fatal: the frame is delivered as a plain message instead.
	ErrMalformedFrame = errors.New("framing: malformed file frame")

	// ErrInvalidFileName is returned when a file name cannot be carried in a
	// file frame.
	ErrInvalidFileName = errors.New("framing: invalid file name")
)

// Kind distinguishes decoded frames.
type Kind int

const (
	KindMessage Kind = iota
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	default:
		return "message"
	}
}

// File is a decoded file transfer.
type File struct {
	Name string
	Data []byte
}

// Frame is one decoded unit of the stream. Text always holds the full frame
// text; File is set only for KindFile.
type Frame struct {
	Kind Kind
	Text string
	File File
}

// Encode returns text followed by the newline terminator.
func Encode(text string) []byte {
	b := make([]byte, 0, len(text)+1)
	b = append(b, text...)
	return append(b, delimiter)
}

// EncodeFile returns the file-transfer frame for data.
func EncodeFile(name string, data []byte) ([]byte, error) {
	if name == "" || strings.Contains(name, Separator) || strings.ContainsRune(name, delimiter) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	enc := base64.StdEncoding
	b := make([]byte, 0, len(FilePrefix)+len(name)+len(Separator)+enc.EncodedLen(len(data))+1)
	b = append(b, FilePrefix...)
	b = append(b, name...)
	b = append(b, Separator...)
	b = enc.AppendEncode(b, data)
	return append(b, delimiter), nil
}

// WriteMessage writes one text frame with a single Write call.
func WriteMessage(w io.Writer, text string) error {
	_, err := w.Write(Encode(text))
	return err
}

// WriteFile writes one file frame with a single Write call.
func WriteFile(w io.Writer, name string, data []byte) error {
	b, err := EncodeFile(name, data)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Interpret classifies a raw frame. The returned Frame is always usable: when
// a FILE: frame is malformed it comes back as KindMessage together with an
// error wrapping ErrMalformedFrame, which callers should only log.
func Interpret(raw []byte) (Frame, error) {
	text := string(raw)
	msg := Frame{Kind: KindMessage, Text: text}
	if !strings.HasPrefix(text, FilePrefix) {
		return msg, nil
	}
	f, err := ParseFile(text)
	if err != nil {
		return msg, err
	}
	return Frame{Kind: KindFile, Text: text, File: f}, nil
}

// ParseFile parses the text of a FILE: frame.
func ParseFile(text string) (File, error) {
	parts := strings.SplitN(text, Separator, 3)
	if len(parts) != 3 {
		return File{}, fmt.Errorf("%w: expected 3 parts, got %d", ErrMalformedFrame, len(parts))
	}
	data, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return File{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return File{Name: parts[1], Data: data}, nil
}
