package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	s3err "github.com/s3gate/s3gate/internal/errors"
	"github.com/s3gate/s3gate/internal/keycodec"
	"github.com/s3gate/s3gate/internal/multipart"
	"github.com/s3gate/s3gate/internal/queue"
	"github.com/s3gate/s3gate/internal/storage"
	"github.com/s3gate/s3gate/internal/xmlutil"
)

// MultipartHandler contains handlers for S3 multipart upload operations.
type MultipartHandler struct {
	Deps
}

// NewMultipartHandler creates a new MultipartHandler with the given
// dependencies.
func NewMultipartHandler(d Deps) *MultipartHandler {
	return &MultipartHandler{Deps: d}
}

// uploadTarget resolves the bucket, key and upload id of a request that
// names an existing upload. The upload id is the encoded key, so an id that
// does not belong to the key in the path names no upload.
func uploadTarget(r *http.Request) (bucket, key, uploadID string, s3e *s3err.S3Error) {
	bucket, key, s3e = objectTarget(r)
	if s3e != nil {
		return "", "", "", s3e
	}
	uploadID = r.URL.Query().Get("uploadId")
	if uploadID == "" || uploadID != keycodec.Encode(key) {
		return "", "", "", s3err.ErrNoSuchUpload
	}
	return bucket, key, uploadID, nil
}

// CreateMultipartUpload handles POST /{bucket}/{object}?uploads.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName, key, s3e := objectTarget(r)
	if s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}

	exists, err := bucketExists(ctx, h.Session, bucketName)
	if err != nil {
		writeError(w, r, "CreateMultipartUpload", err)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	uploadID, err := h.Tracker.Initiate(ctx, bucketName, key, contentTypeOf(r))
	if err != nil {
		writeError(w, r, "CreateMultipartUpload", err)
		return
	}

	xmlutil.Render(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: uploadID,
	})
}

// UploadPart handles PUT /{bucket}/{object}?partNumber&uploadId.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	partNumber, err := strconv.Atoi(r.URL.Query().Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > multipart.MaxPartNumber {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage(
			"Part number must be an integer between 1 and 10000, inclusive"))
		return
	}
	bucketName, _, uploadID, s3e := uploadTarget(r)
	if s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}

	body, err := requestBody(r)
	if err != nil {
		writeError(w, r, "UploadPart", err)
		return
	}
	part, err := h.Tracker.PutPart(r.Context(), bucketName, uploadID, partNumber, body)
	if err != nil {
		writeError(w, r, "UploadPart", err)
		return
	}

	w.Header().Set("ETag", part.ETag)
	w.WriteHeader(http.StatusOK)
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId. The
// optional body lists the parts to assemble; without one every part from 1
// to the highest received is used.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucketName, key, uploadID, s3e := uploadTarget(r)
	if s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}

	var listed []int
	if r.Body != nil {
		req, err := xmlutil.ParseCompleteMultipartUpload(r.Body)
		if err != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
			return
		}
		for _, p := range req.Parts {
			listed = append(listed, p.PartNumber)
		}
	}

	res, err := h.Tracker.Complete(r.Context(), bucketName, uploadID, listed, h.finalize)
	if err != nil {
		writeError(w, r, "CompleteMultipartUpload", err)
		return
	}

	xmlutil.Render(w, &xmlutil.CompleteMultipartUploadResult{
		Location: "/" + bucketName + "/" + key,
		Bucket:   res.Bucket,
		Key:      res.Key,
		ETag:     res.ETag,
	})
}

// finalize submits the assembled object to the backend through the queue.
func (h *MultipartHandler) finalize(ctx context.Context, obj *multipart.Assembled) error {
	_, err := queue.Do(ctx, h.Queue, "CompleteMultipartUpload", func(ctx context.Context) (*storage.FileInfo, error) {
		return uploadFile(ctx, h.Session, h.Session.BucketPath(obj.Bucket), obj.UploadID, obj.Path, obj.Size, obj.ContentType)
	})
	return err
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucketName, _, uploadID, s3e := uploadTarget(r)
	if s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}
	if err := h.Tracker.Abort(r.Context(), bucketName, uploadID); err != nil {
		writeError(w, r, "AbortMultipartUpload", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads handles GET /{bucket}?uploads.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if validateBucketName(bucketName) != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}
	exists, err := bucketExists(r.Context(), h.Session, bucketName)
	if err != nil {
		writeError(w, r, "ListMultipartUploads", err)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	prefix := r.URL.Query().Get("prefix")
	owner := h.owner()
	uploads := make([]xmlutil.Upload, 0)
	for _, u := range h.Tracker.ListUploads(bucketName) {
		if !strings.HasPrefix(u.Key, prefix) {
			continue
		}
		uploads = append(uploads, xmlutil.Upload{
			Key:       u.Key,
			UploadID:  u.UploadID,
			Initiator: owner,
			Owner:     owner,
			Initiated: xmlutil.FormatTimeS3(u.Initiated),
		})
	}

	xmlutil.Render(w, &xmlutil.ListMultipartUploadsResult{
		Bucket:     bucketName,
		MaxUploads: defaultMaxKeys,
		Uploads:    uploads,
	})
}

// ListParts handles GET /{bucket}/{object}?uploadId.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	bucketName, key, uploadID, s3e := uploadTarget(r)
	if s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}

	upload, err := h.Tracker.ListParts(bucketName, uploadID)
	if err != nil {
		writeError(w, r, "ListParts", err)
		return
	}

	parts := make([]xmlutil.Part, 0, len(upload.Parts))
	for _, p := range upload.Parts {
		parts = append(parts, xmlutil.Part{
			PartNumber:   p.Number,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}

	xmlutil.Render(w, &xmlutil.ListPartsResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: uploadID,
		MaxParts: multipart.MaxPartNumber,
		Parts:    parts,
	})
}
