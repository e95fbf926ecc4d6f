package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	s3err "github.com/s3gate/s3gate/internal/errors"
	"github.com/s3gate/s3gate/internal/multipart"
	"github.com/s3gate/s3gate/internal/queue"
	"github.com/s3gate/s3gate/internal/session"
	"github.com/s3gate/s3gate/internal/xmlutil"
)

// BucketHandler contains handlers for S3 bucket-level operations.
type BucketHandler struct {
	Deps
}

// NewBucketHandler creates a new BucketHandler with the given dependencies.
func NewBucketHandler(d Deps) *BucketHandler {
	return &BucketHandler{Deps: d}
}

// ListBuckets handles GET / by listing the folders under the session's base
// folder. Folders whose names are not valid bucket names are not buckets.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	listing, err := h.Session.ListFolder(r.Context(), h.Session.Base())
	if err != nil {
		writeError(w, r, "ListBuckets", err)
		return
	}

	buckets := make([]xmlutil.Bucket, 0, len(listing.Folders))
	for _, f := range listing.Folders {
		if validateBucketName(f.Name) != "" {
			continue
		}
		created := f.Created
		if created.IsZero() {
			created = time.Unix(0, 0)
		}
		buckets = append(buckets, xmlutil.Bucket{
			Name:         f.Name,
			CreationDate: xmlutil.FormatTimeS3(created),
		})
	}

	xmlutil.Render(w, &xmlutil.ListAllMyBucketsResult{
		Owner:   h.owner(),
		Buckets: buckets,
	})
}

// CreateBucket handles PUT /{bucket}. Creating an existing bucket succeeds.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if msg := validateBucketName(bucketName); msg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidBucketName.WithMessage(msg))
		return
	}

	_, err := queue.Do(r.Context(), h.Queue, "CreateBucket", func(ctx context.Context) (struct{}, error) {
		if err := h.Session.LoadDirectory(ctx, h.Session.Base()); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, h.Session.CreateFolders(ctx, bucketName)
	})
	if err != nil {
		writeError(w, r, "CreateBucket", err)
		return
	}

	w.Header().Set("Location", "/"+bucketName)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket}. The bucket folder is removed with
// its contents and any multipart uploads still open in it are aborted.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	if validateBucketName(bucketName) != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	exists, err := bucketExists(ctx, h.Session, bucketName)
	if err != nil {
		writeError(w, r, "DeleteBucket", err)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	// Uploads go first: one that is completing fails the delete with
	// OperationAborted before the bucket folder is touched.
	for _, u := range h.Tracker.ListUploads(bucketName) {
		if err := h.Tracker.Abort(ctx, bucketName, u.UploadID); err != nil && !errors.Is(err, multipart.ErrNoSuchUpload) {
			writeError(w, r, "DeleteBucket", err)
			return
		}
	}

	_, err = queue.Do(ctx, h.Queue, "DeleteBucket", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.Session.DeleteTargets(ctx, h.Session.BucketPath(bucketName))
	})
	if err != nil {
		writeError(w, r, "DeleteBucket", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket}. Responses carry no body.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if validateBucketName(bucketName) != "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	exists, err := bucketExists(r.Context(), h.Session, bucketName)
	if err != nil {
		w.WriteHeader(toS3Error(err).HTTPStatus)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("x-amz-bucket-region", h.Region)
	w.WriteHeader(http.StatusOK)
}

// requireBucket writes NoSuchBucket and returns false when the request's
// bucket does not exist.
func (h *BucketHandler) requireBucket(w http.ResponseWriter, r *http.Request, op string) (string, bool) {
	bucketName := extractBucketName(r)
	if validateBucketName(bucketName) != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return "", false
	}
	exists, err := bucketExists(r.Context(), h.Session, bucketName)
	if err != nil {
		writeError(w, r, op, err)
		return "", false
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return "", false
	}
	return bucketName, true
}

// GetBucketLocation handles GET /{bucket}?location.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireBucket(w, r, "GetBucketLocation"); !ok {
		return
	}
	// us-east-1 is reported as an empty constraint.
	location := h.Region
	if location == "us-east-1" {
		location = ""
	}
	xmlutil.Render(w, &xmlutil.LocationConstraint{Location: location})
}

// GetBucketVersioning handles GET /{bucket}?versioning. Versioning is never
// enabled.
func (h *BucketHandler) GetBucketVersioning(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireBucket(w, r, "GetBucketVersioning"); !ok {
		return
	}
	xmlutil.Render(w, &xmlutil.VersioningConfiguration{Status: "Suspended"})
}

// isNotFound reports whether err is the backend's not-found sentinel.
func isNotFound(err error) bool {
	return errors.Is(err, session.ErrNotFound)
}
