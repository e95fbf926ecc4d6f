package keycodec

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestRoundTrip(t *testing.T) {
	keys := []string{
		"",
		"file.txt",
		"photos/2024/01/cat.jpg",
		"with spaces and\ttabs\n",
		"ünïcödé/日本語/😀",
		"a+b=c&d?e#f",
		"../../etc/passwd",
		"trailing/",
		"/leading",
		strings.Repeat("x", 1024),
	}
	for _, k := range keys {
		tok := Encode(k)
		got, err := Decode(tok)
		if err != nil {
			t.Fatalf("Decode(Encode(%q)): %v", k, err)
		}
		if got != k {
			t.Errorf("Decode(Encode(%q)) = %q", k, got)
		}
	}
}

func TestRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		runes := make([]rune, rng.Intn(40))
		for j := range runes {
			for {
				r := rune(rng.Intn(0x10FFFF))
				if utf8.ValidRune(r) {
					runes[j] = r
					break
				}
			}
		}
		k := string(runes)
		got, err := Decode(Encode(k))
		if err != nil || got != k {
			t.Fatalf("round trip of %q = %q, %v", k, got, err)
		}
	}
}

func TestEncodeIsPathSafe(t *testing.T) {
	for _, k := range []string{"a/b/c", "???>>>", "ÿÿÿ", "~~~"} {
		tok := Encode(k)
		if strings.ContainsAny(tok, "/+=.\\ ") {
			t.Errorf("Encode(%q) = %q contains unsafe characters", k, tok)
		}
	}
}

func TestEncodeInjective(t *testing.T) {
	seen := make(map[string]string)
	for _, k := range []string{"a", "a/", "a/b", "a b", "A", "aa", "", "a\x00"} {
		tok := Encode(k)
		if prev, ok := seen[tok]; ok {
			t.Fatalf("Encode(%q) and Encode(%q) both = %q", prev, k, tok)
		}
		seen[tok] = k
	}
}

func TestEncodeKnownValues(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"file.txt", "ZmlsZS50eHQ"},
		{"big.bin", "YmlnLmJpbg"},
		{"a/b", "YS9i"},
		{"??>", "Pz8-"},
	}
	for _, tt := range tests {
		if got := Encode(tt.key); got != tt.want {
			t.Errorf("Encode(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	tests := []string{
		"ZmlsZS50eHQ=", // padded
		"a/b",
		"Zm9v+",
		"A",     // impossible length
		"_w",    // 0xff, not UTF-8
		"YS9i.", // trailing dot
	}
	for _, tok := range tests {
		if _, err := Decode(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Decode(%q) err = %v, want ErrInvalidToken", tok, err)
		}
		if Valid(tok) {
			t.Errorf("Valid(%q) = true", tok)
		}
	}
}
