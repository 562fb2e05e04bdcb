// Package jsonl frames newline-delimited records without a line length cap.
//
// Agent CLIs emit one JSON object per line, and a single object can carry
// base64-encoded attachments far beyond bufio's default limits. LineReader
// accumulates raw chunks and splits on newlines, so a line may be any size
// memory allows.
package jsonl

import (
	"bytes"
	"io"
)

// readChunk is the size of each read from the underlying stream.
const readChunk = 256 * 1024

// LineReader yields newline-delimited records of unbounded size from a byte
// stream. It is not safe for concurrent use; each subprocess spawn gets a
// fresh reader (or a Reset).
type LineReader struct {
	r     io.Reader
	buf   []byte
	chunk []byte
	err   error
}

// NewLineReader creates a LineReader over r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: r, chunk: make([]byte, readChunk)}
}

// Reset discards buffered state and attaches the reader to a new stream.
func (lr *LineReader) Reset(r io.Reader) {
	lr.r = r
	lr.buf = nil
	lr.err = nil
}

// ReadLine returns the next line without its trailing newline. When the
// stream ends with unterminated bytes, those bytes are returned once with a
// nil error; the following call reports the stream error (io.EOF included).
// The returned slice remains valid until the reader is Reset.
func (lr *LineReader) ReadLine() ([]byte, error) {
	for {
		if i := bytes.IndexByte(lr.buf, '\n'); i >= 0 {
			line := dropCR(lr.buf[:i])
			lr.buf = lr.buf[i+1:]
			return line, nil
		}
		if lr.err != nil {
			if len(lr.buf) > 0 {
				line := dropCR(lr.buf)
				lr.buf = nil
				return line, nil
			}
			return nil, lr.err
		}
		lr.fill()
	}
}

func (lr *LineReader) fill() {
	n, err := lr.r.Read(lr.chunk)
	if n > 0 {
		lr.buf = append(lr.buf, lr.chunk[:n]...)
	}
	if err != nil {
		lr.err = err
	}
}

// dropCR strips a trailing carriage return so CRLF streams split like LF.
func dropCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}
