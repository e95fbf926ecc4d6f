// Package handlers implements the S3 operations the gateway serves on top of
// the storage session, the sequential write queue and the multipart tracker.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/s3gate/s3gate/internal/auth"
	s3err "github.com/s3gate/s3gate/internal/errors"
	"github.com/s3gate/s3gate/internal/multipart"
	"github.com/s3gate/s3gate/internal/queue"
	"github.com/s3gate/s3gate/internal/session"
	"github.com/s3gate/s3gate/internal/storage"
	"github.com/s3gate/s3gate/internal/xmlutil"
)

// OwnerDisplayName is reported for the single account that owns everything.
const OwnerDisplayName = "s3gate"

// maxKeyLength is the longest object key S3 accepts, in bytes.
const maxKeyLength = 1024

// Deps are the collaborators shared by the handlers.
type Deps struct {
	Session *session.Session
	Queue   *queue.Queue
	Tracker *multipart.Tracker
	// OwnerID is reported as the owner of every bucket and object; it is the
	// configured access key.
	OwnerID string
	Region  string
}

func (d Deps) owner() xmlutil.Owner {
	return xmlutil.Owner{ID: d.OwnerID, DisplayName: OwnerDisplayName}
}

// bucketNameRegex validates bucket names per S3 naming rules:
// - 3-63 characters
// - Lowercase letters, numbers, hyphens, and periods only
// - Must begin and end with a letter or number
var bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)

// ipAddressRegex detects IP address-formatted bucket names.
var ipAddressRegex = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// validateBucketName checks whether the given name is a valid S3 bucket name.
// Returns an error message string if invalid, or empty string if valid.
func validateBucketName(name string) string {
	if len(name) < 3 || len(name) > 63 {
		return "Bucket name must be between 3 and 63 characters long"
	}
	if !bucketNameRegex.MatchString(name) {
		return "Bucket name can only contain lowercase letters, numbers, hyphens, and periods"
	}
	if ipAddressRegex.MatchString(name) {
		return "Bucket name must not be formatted as an IP address"
	}
	if strings.Contains(name, "..") {
		return "Bucket name must not contain consecutive periods"
	}
	return ""
}

// extractBucketName extracts the bucket name from the URL path.
func extractBucketName(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return path
}

// extractObjectKey returns everything after the bucket name in the path.
func extractObjectKey(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}

// objectTarget resolves and validates the bucket and key of an object
// request.
func objectTarget(r *http.Request) (bucket, key string, s3e *s3err.S3Error) {
	bucket, key = extractBucketName(r), extractObjectKey(r)
	if validateBucketName(bucket) != "" {
		return "", "", s3err.ErrNoSuchBucket
	}
	if key == "" {
		return "", "", s3err.ErrInvalidArgument.WithMessage("Object key must not be empty")
	}
	if len(key) > maxKeyLength {
		return "", "", s3err.ErrKeyTooLongError
	}
	return bucket, key, nil
}

// toS3Error maps an error from the gateway's collaborators onto the S3 error
// it is reported as. A missing folder means the bucket is gone; callers that
// mean a missing object check for session.ErrNotFound themselves.
func toS3Error(err error) *s3err.S3Error {
	var s3e *s3err.S3Error
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &s3e):
		return s3e
	case errors.As(err, &maxErr):
		return s3err.ErrEntityTooLarge
	case errors.Is(err, multipart.ErrNoSuchUpload):
		return s3err.ErrNoSuchUpload
	case errors.Is(err, multipart.ErrUploadActive):
		return s3err.ErrConflict
	case errors.Is(err, multipart.ErrUploadBusy):
		return s3err.ErrOperationAborted
	case errors.Is(err, multipart.ErrInvalidPartOrder):
		return s3err.ErrInvalidPartOrder
	case errors.Is(err, multipart.ErrInvalidPart):
		return s3err.ErrInvalidPart
	case errors.Is(err, syscall.ENAMETOOLONG):
		return s3err.ErrKeyTooLongError
	case errors.Is(err, auth.ErrContentSHA256Mismatch):
		return s3err.ErrXAmzContentSHA256Mismatch
	case errors.Is(err, errMalformedChunk):
		return s3err.ErrInvalidRequest.WithMessage(err.Error())
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, errBodyTooLong):
		return s3err.ErrIncompleteBody
	case errors.Is(err, queue.ErrTimeout):
		return s3err.ErrRequestTimeout
	case errors.Is(err, queue.ErrClosed):
		return s3err.ErrServiceUnavailable
	case errors.Is(err, session.ErrNotFound):
		return s3err.ErrNoSuchBucket
	default:
		return s3err.ErrInternalError
	}
}

// writeError logs err and renders the S3 error it maps to. Server-side
// failures are logged at error level, client mistakes at debug.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s3e := toS3Error(err)
	if s3e.HTTPStatus >= http.StatusInternalServerError {
		slog.Error(op+" error", "path", r.URL.Path, "code", s3e.Code, "error", err)
	} else {
		slog.Debug(op+" rejected", "path", r.URL.Path, "code", s3e.Code, "error", err)
	}
	xmlutil.WriteErrorResponse(w, r, s3e)
}

// bucketExists reports whether the bucket's folder exists in the backend.
func bucketExists(ctx context.Context, sess *session.Session, bucket string) (bool, error) {
	return sess.FolderExists(ctx, sess.BucketPath(bucket))
}

// uploadFile stores the local file at path as name inside folder. It moves
// the session cursor and must run inside a queue task.
func uploadFile(ctx context.Context, sess *session.Session, folder, name, path string, size int64, contentType string) (*storage.FileInfo, error) {
	if err := sess.LoadDirectory(ctx, folder); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening staged file: %w", err)
	}
	defer f.Close()

	if err := sess.QueuePrivate(session.PendingFile{
		Name:        name,
		Body:        f,
		Size:        size,
		ContentType: contentType,
	}); err != nil {
		return nil, err
	}
	infos, err := sess.ProcessAllQueues(ctx)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("upload of %q reported no file", name)
	}
	return &infos[len(infos)-1], nil
}

// contentTypeOf returns the request's Content-Type, defaulting to
// application/octet-stream.
func contentTypeOf(r *http.Request) string {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return storage.DefaultContentType
}

// parseRange parses an HTTP Range header value and returns the byte range
// [start, end] inclusive. Supports three formats:
//   - bytes=0-4   (first 5 bytes)
//   - bytes=5-    (from byte 5 to end)
//   - bytes=-10   (last 10 bytes)
//
// Returns an error for unsatisfiable ranges or invalid syntax.
func parseRange(rangeHeader string, objectSize int64) (start, end int64, err error) {
	if objectSize == 0 {
		return 0, 0, fmt.Errorf("empty object")
	}
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range header: missing bytes= prefix")
	}
	rangeSpec := strings.TrimPrefix(rangeHeader, "bytes=")

	// Only a single range is supported.
	if strings.Contains(rangeSpec, ",") {
		return 0, 0, fmt.Errorf("multi-range not supported")
	}

	startStr, endStr, ok := strings.Cut(rangeSpec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range spec: %q", rangeSpec)
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)
	if startStr == "" && endStr == "" {
		return 0, 0, fmt.Errorf("invalid range: both start and end are empty")
	}

	if startStr == "" {
		suffixLen, parseErr := strconv.ParseInt(endStr, 10, 64)
		if parseErr != nil || suffixLen <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix length: %q", endStr)
		}
		if suffixLen >= objectSize {
			return 0, objectSize - 1, nil
		}
		return objectSize - suffixLen, objectSize - 1, nil
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start: %q", startStr)
	}
	if start >= objectSize {
		return 0, 0, fmt.Errorf("range start %d beyond object size %d", start, objectSize)
	}
	if endStr == "" {
		return start, objectSize - 1, nil
	}

	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < 0 {
		return 0, 0, fmt.Errorf("invalid range end: %q", endStr)
	}
	if end >= objectSize {
		end = objectSize - 1
	}
	if start > end {
		return 0, 0, fmt.Errorf("range start %d > end %d", start, end)
	}
	return start, end, nil
}

// checkConditionalHeaders evaluates the conditional request headers against
// the object's ETag and LastModified time. Returns the appropriate HTTP status
// code and whether the response should be skipped (no body).
//
// Priority order per RFC 7232:
//  1. If-Match (412 on mismatch)
//  2. If-Unmodified-Since (412 if modified)
//  3. If-None-Match (304 for GET/HEAD, 412 for other methods)
//  4. If-Modified-Since (304 if not modified)
func checkConditionalHeaders(r *http.Request, etag string, lastModified time.Time) (statusCode int, skip bool) {
	objectETag := strings.Trim(etag, `"`)
	lastModified = lastModified.Truncate(time.Second)

	ifMatch := r.Header.Get("If-Match")
	if ifMatch != "" && !etagListMatches(ifMatch, objectETag) {
		return http.StatusPreconditionFailed, true
	}
	if ifMatch == "" {
		if t, err := http.ParseTime(r.Header.Get("If-Unmodified-Since")); err == nil {
			if lastModified.After(t) {
				return http.StatusPreconditionFailed, true
			}
		}
	}

	ifNoneMatch := r.Header.Get("If-None-Match")
	if ifNoneMatch != "" && etagListMatches(ifNoneMatch, objectETag) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			return http.StatusNotModified, true
		}
		return http.StatusPreconditionFailed, true
	}
	if ifNoneMatch == "" {
		if t, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil {
			if !lastModified.After(t) && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
				return http.StatusNotModified, true
			}
		}
	}
	return 0, false
}

func etagListMatches(header, etag string) bool {
	if strings.TrimSpace(header) == "*" {
		return true
	}
	for _, tag := range strings.Split(header, ",") {
		if strings.Trim(strings.TrimSpace(tag), `"`) == etag {
			return true
		}
	}
	return false
}

// setObjectResponseHeaders sets the headers GetObject and HeadObject share.
func setObjectResponseHeaders(w http.ResponseWriter, info *storage.FileInfo) {
	ct := info.ContentType
	if ct == "" {
		ct = storage.DefaultContentType
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("ETag", xmlutil.ETagFromTime(info.LastModified))
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(info.LastModified))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
}
