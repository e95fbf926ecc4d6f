package handlers

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// errMalformedChunk is returned when an aws-chunked body cannot be decoded.
var errMalformedChunk = errors.New("malformed aws-chunked body")

// maxChunkHeader bounds a chunk header line, which carries the hex size and
// an optional chunk-signature extension.
const maxChunkHeader = 4096

// isAWSChunked reports whether the request body uses the aws-chunked
// content encoding, either declared directly or implied by a streaming
// payload hash.
func isAWSChunked(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") {
		return true
	}
	return strings.HasPrefix(r.Header.Get("x-amz-content-sha256"), "STREAMING-")
}

// chunkedReader decodes an aws-chunked stream:
//
//	<hex-size>[;chunk-signature=<sig>]\r\n<data>\r\n ... 0[;...]\r\n[trailers]\r\n
//
// Chunk signatures and trailing checksums are skipped.
type chunkedReader struct {
	r         *bufio.Reader
	remaining int64
	done      bool
	err       error
}

func newChunkedReader(r io.Reader) *chunkedReader {
	return &chunkedReader{r: bufio.NewReader(r)}
}

func (cr *chunkedReader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	for cr.remaining == 0 {
		if cr.done {
			cr.err = io.EOF
			return 0, io.EOF
		}
		if err := cr.nextChunk(); err != nil {
			cr.err = err
			return 0, err
		}
	}
	if int64(len(p)) > cr.remaining {
		p = p[:cr.remaining]
	}
	n, err := cr.r.Read(p)
	cr.remaining -= int64(n)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		cr.err = err
		return n, err
	}
	if cr.remaining == 0 {
		if err := cr.expectCRLF(); err != nil {
			cr.err = err
			return n, err
		}
	}
	return n, nil
}

// nextChunk reads a chunk header. The zero-size chunk consumes the trailer
// section and marks the stream done.
func (cr *chunkedReader) nextChunk() error {
	line, err := cr.readLine()
	if err != nil {
		return err
	}
	sizePart, _, _ := strings.Cut(line, ";")
	size, err := strconv.ParseInt(strings.TrimSpace(sizePart), 16, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("%w: bad chunk size %q", errMalformedChunk, sizePart)
	}
	if size > 0 {
		cr.remaining = size
		return nil
	}
	cr.done = true
	for {
		trailer, err := cr.readLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if trailer == "" {
			return nil
		}
	}
}

func (cr *chunkedReader) expectCRLF() error {
	line, err := cr.readLine()
	if err != nil {
		return err
	}
	if line != "" {
		return fmt.Errorf("%w: missing chunk terminator", errMalformedChunk)
	}
	return nil
}

// readLine returns the next CRLF- or LF-terminated line without its
// terminator. A clean EOF before any byte is returned as io.EOF.
func (cr *chunkedReader) readLine() (string, error) {
	var b strings.Builder
	for {
		c, err := cr.r.ReadByte()
		if err != nil {
			if err == io.EOF && b.Len() > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if c == '\n' {
			return strings.TrimSuffix(b.String(), "\r"), nil
		}
		if b.Len() >= maxChunkHeader {
			return "", fmt.Errorf("%w: chunk header too long", errMalformedChunk)
		}
		b.WriteByte(c)
	}
}

// lengthReader fails with io.ErrUnexpectedEOF when the stream ends before
// want bytes, and with errBodyTooLong when it carries more.
type lengthReader struct {
	r    io.Reader
	want int64
	read int64
}

var errBodyTooLong = errors.New("body longer than declared length")

func (lr *lengthReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	lr.read += int64(n)
	if lr.read > lr.want {
		return n, errBodyTooLong
	}
	if err == io.EOF && lr.read < lr.want {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

// requestBody returns the payload of r, decoding aws-chunked framing and
// enforcing x-amz-decoded-content-length when the client sent it.
func requestBody(r *http.Request) (io.Reader, error) {
	if r.Body == nil {
		return http.NoBody, nil
	}
	if !isAWSChunked(r) {
		return r.Body, nil
	}
	var body io.Reader = newChunkedReader(r.Body)
	if v := r.Header.Get("x-amz-decoded-content-length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad x-amz-decoded-content-length %q", errMalformedChunk, v)
		}
		body = &lengthReader{r: body, want: n}
	}
	return body, nil
}
