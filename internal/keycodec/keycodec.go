// Package keycodec maps client object keys to backend-safe tokens and back.
//
// A token is the unpadded URL-safe base64 encoding (RFC 4648 section 5) of the
// key's UTF-8 bytes. Tokens never contain '/', '+', '=' or '.', so they can be
// used verbatim as file names in scratch directories and as entry names in the
// backend directory tree.
package keycodec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrInvalidToken is returned by Decode when the input is not a token
// produced by Encode.
var ErrInvalidToken = errors.New("keycodec: invalid token")

var enc = base64.RawURLEncoding.Strict()

// Encode returns the token for key.
func Encode(key string) string {
	return enc.EncodeToString([]byte(key))
}

// Decode reverses Encode.
func Decode(token string) (string, error) {
	b, err := enc.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidToken, token, err)
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: %q decodes to invalid UTF-8", ErrInvalidToken, token)
	}
	return string(b), nil
}

// Valid reports whether token decodes to a valid key.
func Valid(token string) bool {
	_, err := Decode(token)
	return err == nil
}
