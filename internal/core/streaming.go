package core

// streaming.go provides reader adapters shared by the stream engines.
//
//   - NewCSVInput: strips a UTF-8 BOM and replaces invalid UTF-8 with '?'
//     so the CSV parser never sees bytes it cannot decode
//   - contextReader: stops a copy loop once the request context is done
//   - countingReader: tracks bytes consumed for job results

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"unicode/utf8"
)

const sanitizeBufSize = 32 * 1024

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// NewCSVInput wraps r for delimited-text parsing. Memory use is bounded by
// the internal buffers regardless of input size.
func NewCSVInput(r io.Reader) io.Reader {
	br := bufio.NewReaderSize(r, sanitizeBufSize)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return &utf8Sanitizer{r: br}
}

// utf8Sanitizer replaces invalid UTF-8 bytes with '?'. A multi-byte sequence
// split across two reads is held back until the rest arrives.
type utf8Sanitizer struct {
	r       io.Reader
	buf     []byte
	outBuf  []byte
	out     []byte
	pending []byte
	err     error
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(s.out) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		s.fill()
	}
	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

func (s *utf8Sanitizer) fill() {
	if s.buf == nil {
		s.buf = make([]byte, sanitizeBufSize)
	}

	k := copy(s.buf, s.pending)
	s.pending = s.pending[:0]
	n, err := s.r.Read(s.buf[k:])
	data := s.buf[:k+n]

	if err != nil {
		s.err = err
	} else if keep := partialTail(data); keep > 0 {
		s.pending = append(s.pending, data[len(data)-keep:]...)
		data = data[:len(data)-keep]
	}

	if utf8.Valid(data) {
		s.out = data
		return
	}
	s.outBuf = sanitizeUTF8(s.outBuf[:0], data)
	s.out = s.outBuf
}

// sanitizeUTF8 appends data to dst with each invalid byte replaced by '?'.
func sanitizeUTF8(dst, data []byte) []byte {
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			dst = append(dst, '?')
		} else {
			dst = append(dst, data[i:i+size]...)
		}
		i += size
	}
	return dst
}

// partialTail returns how many trailing bytes of data begin a multi-byte
// sequence that is not yet complete.
func partialTail(data []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(data); i++ {
		b := data[len(data)-i]
		if !utf8.RuneStart(b) {
			continue
		}
		if b >= utf8.RuneSelf && !utf8.FullRune(data[len(data)-i:]) {
			return i
		}
		return 0
	}
	return 0
}

// contextReader fails reads once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// countingReader counts bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
