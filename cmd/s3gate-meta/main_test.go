package main

import (
	"bytes"
	"testing"
)

func TestRunKeys(t *testing.T) {
	var out bytes.Buffer
	if rc := runKeys([]string{"encode", "photos/cat.jpg", "a b"}, &out); rc != 0 {
		t.Fatalf("encode rc = %d", rc)
	}
	if got := out.String(); got != "cGhvdG9zL2NhdC5qcGc\nYSBi\n" {
		t.Errorf("encode output = %q", got)
	}

	out.Reset()
	if rc := runKeys([]string{"decode", "cGhvdG9zL2NhdC5qcGc"}, &out); rc != 0 {
		t.Fatalf("decode rc = %d", rc)
	}
	if got := out.String(); got != "photos/cat.jpg\n" {
		t.Errorf("decode output = %q", got)
	}

	if rc := runKeys([]string{"decode", "not/a/token"}, &out); rc == 0 {
		t.Error("decode accepted an invalid token")
	}
	if rc := runKeys([]string{"rot13", "x"}, &out); rc == 0 {
		t.Error("unknown subcommand accepted")
	}
	if rc := runKeys([]string{"encode"}, &out); rc == 0 {
		t.Error("missing value accepted")
	}
}
