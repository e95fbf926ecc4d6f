// Package errors defines the S3-compatible error values returned by the gateway.
package errors

import (
	"fmt"
	"net/http"
)

// S3Error is an S3 API error: a machine-readable code, a message and the
// HTTP status it is rendered with.
type S3Error struct {
	Code       string
	Message    string
	HTTPStatus int
}

// Error implements the error interface for S3Error.
func (e *S3Error) Error() string {
	return fmt.Sprintf("S3Error %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithMessage returns a copy of e carrying a more specific message.
func (e *S3Error) WithMessage(msg string) *S3Error {
	cp := *e
	cp.Message = msg
	return &cp
}

// Pre-defined S3 errors.
var (
	// ErrUnauthorizedAccess is returned when a request signature does not
	// verify against the configured credential.
	ErrUnauthorizedAccess = &S3Error{
		Code:       "UnauthorizedAccess",
		Message:    "Invalid credentials",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrNoSuchBucket = &S3Error{
		Code:       "NoSuchBucket",
		Message:    "The specified bucket does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	ErrNoSuchKey = &S3Error{
		Code:       "NoSuchKey",
		Message:    "The specified key does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	ErrInvalidBucketName = &S3Error{
		Code:       "InvalidBucketName",
		Message:    "The specified bucket is not valid",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrKeyTooLongError = &S3Error{
		Code:       "KeyTooLongError",
		Message:    "Your key is too long",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNoSuchUpload = &S3Error{
		Code:       "NoSuchUpload",
		Message:    "The specified multipart upload does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrConflict is returned when a multipart upload is initiated for a key
	// that already has an active upload.
	ErrConflict = &S3Error{
		Code:       "Conflict",
		Message:    "A multipart upload for this key is already in progress",
		HTTPStatus: http.StatusConflict,
	}

	// ErrOperationAborted is returned when a part or completion races an
	// in-flight completion of the same upload.
	ErrOperationAborted = &S3Error{
		Code:       "OperationAborted",
		Message:    "A conflicting conditional operation is currently in progress against this resource",
		HTTPStatus: http.StatusConflict,
	}

	ErrInvalidPart = &S3Error{
		Code:       "InvalidPart",
		Message:    "One or more of the specified parts could not be found",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidPartOrder = &S3Error{
		Code:       "InvalidPartOrder",
		Message:    "The list of parts was not in ascending order",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrEntityTooLarge = &S3Error{
		Code:       "EntityTooLarge",
		Message:    "Your proposed upload exceeds the maximum allowed object size",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrIncompleteBody = &S3Error{
		Code:       "IncompleteBody",
		Message:    "You did not provide the number of bytes specified by the Content-Length HTTP header",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrXAmzContentSHA256Mismatch = &S3Error{
		Code:       "XAmzContentSHA256Mismatch",
		Message:    "The provided 'x-amz-content-sha256' header does not match what was computed",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrPreconditionFailed = &S3Error{
		Code:       "PreconditionFailed",
		Message:    "At least one of the pre-conditions you specified did not hold",
		HTTPStatus: http.StatusPreconditionFailed,
	}

	ErrInvalidRange = &S3Error{
		Code:       "InvalidRange",
		Message:    "The requested range is not satisfiable",
		HTTPStatus: http.StatusRequestedRangeNotSatisfiable,
	}

	ErrInternalError = &S3Error{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrNotImplemented = &S3Error{
		Code:       "NotImplemented",
		Message:    "A header you provided implies functionality that is not implemented",
		HTTPStatus: http.StatusNotImplemented,
	}

	ErrMalformedXML = &S3Error{
		Code:       "MalformedXML",
		Message:    "The XML you provided was not well-formed or did not validate",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMethodNotAllowed = &S3Error{
		Code:       "MethodNotAllowed",
		Message:    "The specified method is not allowed against this resource",
		HTTPStatus: http.StatusMethodNotAllowed,
	}

	ErrInvalidArgument = &S3Error{
		Code:       "InvalidArgument",
		Message:    "Invalid Argument",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInvalidRequest is returned for malformed requests, such as an
	// unsupported Transfer-Encoding or a broken aws-chunked body.
	ErrInvalidRequest = &S3Error{
		Code:       "InvalidRequest",
		Message:    "Invalid Request",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrSlowDown is returned when the request rate limit or the write
	// backlog bound is exceeded.
	ErrSlowDown = &S3Error{
		Code:       "SlowDown",
		Message:    "Please reduce your request rate.",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrServiceUnavailable = &S3Error{
		Code:       "ServiceUnavailable",
		Message:    "Service is not available. Please retry.",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	// ErrRequestTimeout is returned when a queued backend operation exceeds
	// its deadline.
	ErrRequestTimeout = &S3Error{
		Code:       "RequestTimeout",
		Message:    "The storage backend did not complete the operation within the timeout period",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)
