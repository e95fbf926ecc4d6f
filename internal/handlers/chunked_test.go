package handlers

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"
)

func TestChunkedReaderSigned(t *testing.T) {
	body := "5;chunk-signature=aaaa\r\nhello\r\n" +
		"6;chunk-signature=bbbb\r\n world\r\n" +
		"0;chunk-signature=cccc\r\n\r\n"
	got, err := io.ReadAll(newChunkedReader(strings.NewReader(body)))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("decoded = %q", got)
	}
}

func TestChunkedReaderTrailer(t *testing.T) {
	body := "a\r\n0123456789\r\n0\r\nx-amz-checksum-crc32:AAAAAA==\r\n\r\n"
	got, err := io.ReadAll(newChunkedReader(strings.NewReader(body)))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "0123456789" {
		t.Errorf("decoded = %q", got)
	}
}

func TestChunkedReaderOneByteReads(t *testing.T) {
	body := "3\r\nabc\r\n2\r\nde\r\n0\r\n\r\n"
	got, err := io.ReadAll(newChunkedReader(iotest.OneByteReader(strings.NewReader(body))))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "abcde" {
		t.Errorf("decoded = %q", got)
	}
}

func TestChunkedReaderErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"bad size", "zz\r\nabc\r\n0\r\n\r\n", errMalformedChunk},
		{"truncated data", "a\r\nabc", io.ErrUnexpectedEOF},
		{"missing terminator", "3\r\nabcXX\r\n0\r\n\r\n", errMalformedChunk},
		{"no final chunk", "3\r\nabc\r\n", io.EOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := io.ReadAll(newChunkedReader(strings.NewReader(tt.body)))
			if tt.want == io.EOF {
				// ReadAll swallows io.EOF; a stream without its last chunk
				// simply ends.
				if err != nil {
					t.Errorf("err = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIsAWSChunked(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/b/k", nil)
	if isAWSChunked(req) {
		t.Error("plain request reported as chunked")
	}
	req.Header.Set("x-amz-content-sha256", "STREAMING-UNSIGNED-PAYLOAD-TRAILER")
	if !isAWSChunked(req) {
		t.Error("streaming payload hash not detected")
	}
	req = httptest.NewRequest(http.MethodPut, "/b/k", nil)
	req.Header.Set("Content-Encoding", "gzip,aws-chunked")
	if !isAWSChunked(req) {
		t.Error("aws-chunked content encoding not detected")
	}
}

func TestRequestBodyDecodedLength(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/b/k", strings.NewReader("3\r\nabc\r\n0\r\n\r\n"))
	req.Header.Set("Content-Encoding", "aws-chunked")
	req.Header.Set("x-amz-decoded-content-length", "2")
	body, err := requestBody(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadAll(body); !errors.Is(err, errBodyTooLong) {
		t.Errorf("err = %v, want errBodyTooLong", err)
	}

	req = httptest.NewRequest(http.MethodPut, "/b/k", nil)
	req.Header.Set("Content-Encoding", "aws-chunked")
	req.Header.Set("x-amz-decoded-content-length", "many")
	if _, err := requestBody(req); !errors.Is(err, errMalformedChunk) {
		t.Errorf("err = %v, want errMalformedChunk", err)
	}
}
