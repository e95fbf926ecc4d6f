package errors

import (
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestS3ErrorError(t *testing.T) {
	got := ErrNoSuchKey.Error()
	if !strings.Contains(got, "NoSuchKey") || !strings.Contains(got, "404") {
		t.Errorf("Error() = %q", got)
	}
}

func TestWithMessageCopies(t *testing.T) {
	e := ErrInvalidArgument.WithMessage("Part number must be an integer between 1 and 10000")
	if e == ErrInvalidArgument {
		t.Fatal("WithMessage returned the shared value")
	}
	if ErrInvalidArgument.Message != "Invalid Argument" {
		t.Errorf("shared message mutated: %q", ErrInvalidArgument.Message)
	}
	if e.Code != "InvalidArgument" || e.HTTPStatus != http.StatusBadRequest {
		t.Errorf("copy = %+v", e)
	}
}

func TestStatuses(t *testing.T) {
	tests := []struct {
		err  *S3Error
		want int
	}{
		{ErrUnauthorizedAccess, http.StatusUnauthorized},
		{ErrNoSuchUpload, http.StatusNotFound},
		{ErrNoSuchKey, http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrInvalidPart, http.StatusBadRequest},
		{ErrInternalError, http.StatusInternalServerError},
		{ErrSlowDown, http.StatusServiceUnavailable},
		{ErrXAmzContentSHA256Mismatch, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if tt.err.HTTPStatus != tt.want {
			t.Errorf("%s status = %d, want %d", tt.err.Code, tt.err.HTTPStatus, tt.want)
		}
	}
}

func TestErrorsAs(t *testing.T) {
	var wrapped error = ErrNoSuchBucket
	var s3e *S3Error
	if !errors.As(wrapped, &s3e) || s3e.Code != "NoSuchBucket" {
		t.Errorf("errors.As failed: %v", s3e)
	}
}
