package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	s3err "github.com/s3gate/s3gate/internal/errors"
	"github.com/s3gate/s3gate/internal/keycodec"
	"github.com/s3gate/s3gate/internal/queue"
	"github.com/s3gate/s3gate/internal/storage"
	"github.com/s3gate/s3gate/internal/xmlutil"
)

// defaultMaxKeys is echoed in listings when the client sends no max-keys.
const defaultMaxKeys = 1000

// ObjectHandler contains handlers for S3 object-level operations.
type ObjectHandler struct {
	Deps
}

// NewObjectHandler creates a new ObjectHandler with the given dependencies.
func NewObjectHandler(d Deps) *ObjectHandler {
	return &ObjectHandler{Deps: d}
}

// PutObject handles PUT /{bucket}/{object}. The body is spooled to scratch
// first so the backend write inside the queue never waits on the client.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName, key, s3e := objectTarget(r)
	if s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}

	exists, err := bucketExists(ctx, h.Session, bucketName)
	if err != nil {
		writeError(w, r, "PutObject", err)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	body, err := requestBody(r)
	if err != nil {
		writeError(w, r, "PutObject", err)
		return
	}
	name := keycodec.Encode(key)
	spool, err := h.Tracker.Scratch().Spool(bucketName, body)
	if err != nil {
		writeError(w, r, "PutObject", err)
		return
	}
	defer h.Tracker.Scratch().Remove(spool.Path)

	contentType := contentTypeOf(r)
	info, err := queue.Do(ctx, h.Queue, "PutObject", func(ctx context.Context) (*storage.FileInfo, error) {
		return uploadFile(ctx, h.Session, h.Session.BucketPath(bucketName), name, spool.Path, spool.Size, contentType)
	})
	if err != nil {
		writeError(w, r, "PutObject", err)
		return
	}

	slog.Debug("Object stored", "bucket", bucketName, "key", key, "size", spool.Size)
	w.Header().Set("ETag", xmlutil.ETagFromTime(info.LastModified))
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{object}. Supports single byte ranges and
// conditional requests.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	bucketName, key, s3e := objectTarget(r)
	if s3e != nil {
		if s3e.Code == s3err.ErrNoSuchBucket.Code {
			s3e = s3err.ErrNoSuchKey
		}
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}

	reader, info, err := h.Session.DownloadFile(r.Context(), h.Session.ObjectPath(bucketName, key))
	if err != nil {
		if isNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		writeError(w, r, "GetObject", err)
		return
	}
	defer reader.Close()

	etag := xmlutil.ETagFromTime(info.LastModified)
	if statusCode, skip := checkConditionalHeaders(r, etag, info.LastModified); skip {
		w.Header().Set("ETag", etag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(info.LastModified))
		if statusCode == http.StatusNotModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrPreconditionFailed)
		return
	}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, rangeErr := parseRange(rangeHeader, info.Size)
		if rangeErr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}
		if seeker, ok := reader.(io.Seeker); ok {
			_, err = seeker.Seek(start, io.SeekStart)
		} else {
			_, err = io.CopyN(io.Discard, reader, start)
		}
		if err != nil {
			writeError(w, r, "GetObject", err)
			return
		}

		rangeLen := end - start + 1
		setObjectResponseHeaders(w, info)
		w.Header().Set("Content-Length", strconv.FormatInt(rangeLen, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, info.Size))
		w.WriteHeader(http.StatusPartialContent)
		io.CopyN(w, reader, rangeLen)
		return
	}

	setObjectResponseHeaders(w, info)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		slog.Warn("GetObject stream interrupted", "bucket", bucketName, "key", key, "error", err)
	}
}

// HeadObject handles HEAD /{bucket}/{object}. Responses carry no body.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	bucketName, key, s3e := objectTarget(r)
	if s3e != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	info, err := h.Session.FileMetaData(r.Context(), h.Session.ObjectPath(bucketName, key))
	if err != nil {
		if isNotFound(err) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		slog.Error("HeadObject error", "bucket", bucketName, "key", key, "error", err)
		w.WriteHeader(toS3Error(err).HTTPStatus)
		return
	}

	etag := xmlutil.ETagFromTime(info.LastModified)
	if statusCode, skip := checkConditionalHeaders(r, etag, info.LastModified); skip {
		w.Header().Set("ETag", etag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(info.LastModified))
		w.WriteHeader(statusCode)
		return
	}

	setObjectResponseHeaders(w, info)
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{object}. Deleting a missing object
// succeeds.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	bucketName, key, s3e := objectTarget(r)
	if s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}

	target := h.Session.ObjectPath(bucketName, key)
	_, err := queue.Do(r.Context(), h.Queue, "DeleteObject", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.Session.DeleteTargets(ctx, target)
	})
	if err != nil {
		writeError(w, r, "DeleteObject", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listParams are the listing options shared by ListObjects and
// ListObjectsV2.
type listParams struct {
	prefix       string
	delimiter    string
	after        string
	maxKeys      int
	encodingType string
}

func parseListParams(r *http.Request, after string) (listParams, *s3err.S3Error) {
	q := r.URL.Query()
	p := listParams{
		prefix:       q.Get("prefix"),
		delimiter:    q.Get("delimiter"),
		after:        after,
		maxKeys:      defaultMaxKeys,
		encodingType: q.Get("encoding-type"),
	}
	if v := q.Get("max-keys"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, s3err.ErrInvalidArgument.WithMessage("max-keys must be a non-negative integer")
		}
		p.maxKeys = n
	}
	if p.encodingType != "" && p.encodingType != "url" {
		return p, s3err.ErrInvalidArgument.WithMessage("Invalid Encoding Method specified in Request")
	}
	return p, nil
}

// listEntries lists the bucket folder and applies prefix, delimiter and
// start-after filtering. Files whose names are not key tokens are skipped.
// Sub-folders are reported as common prefixes.
func (h *ObjectHandler) listEntries(ctx context.Context, bucketName string, p listParams) ([]storage.FileInfo, []string, error) {
	listing, err := h.Session.ListFolder(ctx, h.Session.BucketPath(bucketName))
	if err != nil {
		return nil, nil, err
	}

	var objects []storage.FileInfo
	prefixSet := make(map[string]struct{})
	for _, f := range listing.Files {
		key, err := keycodec.Decode(f.Name)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(key, p.prefix) || key <= p.after {
			continue
		}
		if p.delimiter != "" {
			rest := key[len(p.prefix):]
			if idx := strings.Index(rest, p.delimiter); idx >= 0 {
				prefixSet[p.prefix+rest[:idx+len(p.delimiter)]] = struct{}{}
				continue
			}
		}
		f.Name = key
		objects = append(objects, f)
	}
	for _, d := range listing.Folders {
		cp := d.Name + "/"
		if strings.HasPrefix(cp, p.prefix) && cp > p.after {
			prefixSet[cp] = struct{}{}
		}
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	prefixes := make([]string, 0, len(prefixSet))
	for cp := range prefixSet {
		prefixes = append(prefixes, cp)
	}
	sort.Strings(prefixes)
	return objects, prefixes, nil
}

func (h *ObjectHandler) renderObjects(files []storage.FileInfo, encodingType string, withOwner bool) []xmlutil.Object {
	out := make([]xmlutil.Object, 0, len(files))
	for _, f := range files {
		obj := xmlutil.Object{
			Key:          xmlutil.EncodeKeyURL(f.Name, encodingType),
			LastModified: xmlutil.FormatTimeS3(f.LastModified),
			ETag:         xmlutil.ETagFromTime(f.LastModified),
			Size:         f.Size,
			StorageClass: "STANDARD",
		}
		if withOwner {
			owner := h.owner()
			obj.Owner = &owner
		}
		out = append(out, obj)
	}
	return out
}

func renderPrefixes(prefixes []string, encodingType string) []xmlutil.CommonPrefix {
	out := make([]xmlutil.CommonPrefix, 0, len(prefixes))
	for _, cp := range prefixes {
		out = append(out, xmlutil.CommonPrefix{Prefix: xmlutil.EncodeKeyURL(cp, encodingType)})
	}
	return out
}

// ListObjectsV2 handles GET /{bucket}?list-type=2. Results are never
// truncated.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	startAfter := q.Get("start-after")
	token := q.Get("continuation-token")
	after := startAfter
	if token != "" {
		after = token
	}

	p, s3e := parseListParams(r, after)
	if s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}
	bucketName := extractBucketName(r)
	if validateBucketName(bucketName) != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	files, prefixes, err := h.listEntries(r.Context(), bucketName, p)
	if err != nil {
		writeError(w, r, "ListObjectsV2", err)
		return
	}

	xmlutil.Render(w, &xmlutil.ListBucketV2Result{
		Name:              bucketName,
		Prefix:            xmlutil.EncodeKeyURL(p.prefix, p.encodingType),
		StartAfter:        xmlutil.EncodeKeyURL(startAfter, p.encodingType),
		ContinuationToken: token,
		KeyCount:          len(files) + len(prefixes),
		MaxKeys:           p.maxKeys,
		Delimiter:         xmlutil.EncodeKeyURL(p.delimiter, p.encodingType),
		EncodingType:      p.encodingType,
		Contents:          h.renderObjects(files, p.encodingType, q.Get("fetch-owner") == "true"),
		CommonPrefixes:    renderPrefixes(prefixes, p.encodingType),
	})
}

// ListObjects handles GET /{bucket} (v1 listing). Results are never
// truncated.
func (h *ObjectHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	marker := r.URL.Query().Get("marker")
	p, s3e := parseListParams(r, marker)
	if s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}
	bucketName := extractBucketName(r)
	if validateBucketName(bucketName) != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	files, prefixes, err := h.listEntries(r.Context(), bucketName, p)
	if err != nil {
		writeError(w, r, "ListObjects", err)
		return
	}

	xmlutil.Render(w, &xmlutil.ListBucketResult{
		Name:           bucketName,
		Prefix:         xmlutil.EncodeKeyURL(p.prefix, p.encodingType),
		Marker:         xmlutil.EncodeKeyURL(marker, p.encodingType),
		MaxKeys:        p.maxKeys,
		Delimiter:      xmlutil.EncodeKeyURL(p.delimiter, p.encodingType),
		EncodingType:   p.encodingType,
		Contents:       h.renderObjects(files, p.encodingType, true),
		CommonPrefixes: renderPrefixes(prefixes, p.encodingType),
	})
}
