package chat

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLineLength bounds a buffered incoming line when none is configured.
const DefaultMaxLineLength = 8192

// LineReader frames a byte stream into newline-terminated lines.
type LineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
	eof bool
}

func NewLineReader(r io.Reader, maxLen int) *LineReader {
	if maxLen <= 0 {
		maxLen = DefaultMaxLineLength
	}
	return &LineReader{
		r:   bufio.NewReaderSize(r, 4096),
		max: maxLen,
	}
}

// ReadLine returns the next line with "\n" or "\r\n" stripped.
// A trailing fragment without terminator is returned before io.EOF.
func (lr *LineReader) ReadLine() (string, error) {
	return lr.readLine(false)
}

// ReadTerminatedLine is ReadLine, except that a trailing fragment without
// terminator is discarded and reported as io.ErrUnexpectedEOF.
func (lr *LineReader) ReadTerminatedLine() (string, error) {
	return lr.readLine(true)
}

func (lr *LineReader) readLine(terminated bool) (string, error) {
	if lr.eof {
		return "", io.EOF
	}
	lr.buf = lr.buf[:0]
	for {
		frag, err := lr.r.ReadSlice('\n')
		lr.buf = append(lr.buf, frag...)

		// +2 leaves room for a "\r\n" terminator on a max-length line.
		if len(lr.buf) > lr.max+2 || (err == nil && len(trimEOL(lr.buf)) > lr.max) {
			return "", ErrLineTooLong
		}

		switch {
		case err == nil:
			return string(trimEOL(lr.buf)), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			lr.eof = true
			if len(lr.buf) == 0 {
				return "", io.EOF
			}
			if terminated {
				return "", io.ErrUnexpectedEOF
			}
			if len(trimEOL(lr.buf)) > lr.max {
				return "", ErrLineTooLong
			}
			return string(trimEOL(lr.buf)), nil
		default:
			return "", fmt.Errorf("read: %w", err)
		}
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}
