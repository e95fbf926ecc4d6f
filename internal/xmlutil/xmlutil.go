// Package xmlutil renders the S3 XML documents the gateway speaks.
package xmlutil

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	s3err "github.com/s3gate/s3gate/internal/errors"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// DefaultRequestID is reported in error bodies when a response carries no
// x-amz-request-id header.
const DefaultRequestID = "s3gate-request"

// ErrorResponse is the S3 error document. It has no namespace.
type ErrorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestID string   `xml:"RequestId"`
}

// Owner identifies the (single) account that owns every bucket and object.
type Owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

type Bucket struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

type ListAllMyBucketsResult struct {
	XMLName xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListAllMyBucketsResult"`
	Owner   Owner    `xml:"Owner"`
	Buckets []Bucket `xml:"Buckets>Bucket"`
}

type Object struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
	Owner        *Owner `xml:"Owner,omitempty"`
}

type CommonPrefix struct {
	Prefix string `xml:"Prefix"`
}

// ListBucketResult is the ListObjects (v1) response.
type ListBucketResult struct {
	XMLName        xml.Name       `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListBucketResult"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Marker         string         `xml:"Marker"`
	MaxKeys        int            `xml:"MaxKeys"`
	Delimiter      string         `xml:"Delimiter,omitempty"`
	EncodingType   string         `xml:"EncodingType,omitempty"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []Object       `xml:"Contents"`
	CommonPrefixes []CommonPrefix `xml:"CommonPrefixes"`
}

// ListBucketV2Result is the ListObjectsV2 response.
type ListBucketV2Result struct {
	XMLName           xml.Name       `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListBucketResult"`
	Name              string         `xml:"Name"`
	Prefix            string         `xml:"Prefix"`
	StartAfter        string         `xml:"StartAfter,omitempty"`
	ContinuationToken string         `xml:"ContinuationToken,omitempty"`
	KeyCount          int            `xml:"KeyCount"`
	MaxKeys           int            `xml:"MaxKeys"`
	Delimiter         string         `xml:"Delimiter,omitempty"`
	EncodingType      string         `xml:"EncodingType,omitempty"`
	IsTruncated       bool           `xml:"IsTruncated"`
	Contents          []Object       `xml:"Contents"`
	CommonPrefixes    []CommonPrefix `xml:"CommonPrefixes"`
}

// VersioningConfiguration is the GetBucketVersioning response.
type VersioningConfiguration struct {
	XMLName xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ VersioningConfiguration"`
	Status  string   `xml:"Status"`
}

type LocationConstraint struct {
	XMLName  xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ LocationConstraint"`
	Location string   `xml:",chardata"`
}

type InitiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

// CompleteMultipartUpload is the optional request body of
// CompleteMultipartUpload. Only part numbers are used; ETags are echoed back
// by clients and not checked.
type CompleteMultipartUpload struct {
	XMLName xml.Name       `xml:"CompleteMultipartUpload"`
	Parts   []CompletePart `xml:"Part"`
}

type CompletePart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type CompleteMultipartUploadResult struct {
	XMLName  xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

type Part struct {
	PartNumber   int    `xml:"PartNumber"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

type ListPartsResult struct {
	XMLName     xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListPartsResult"`
	Bucket      string   `xml:"Bucket"`
	Key         string   `xml:"Key"`
	UploadID    string   `xml:"UploadId"`
	MaxParts    int      `xml:"MaxParts"`
	IsTruncated bool     `xml:"IsTruncated"`
	Parts       []Part   `xml:"Part"`
}

type Upload struct {
	Key       string `xml:"Key"`
	UploadID  string `xml:"UploadId"`
	Initiator Owner  `xml:"Initiator"`
	Owner     Owner  `xml:"Owner"`
	Initiated string `xml:"Initiated"`
}

type ListMultipartUploadsResult struct {
	XMLName     xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListMultipartUploadsResult"`
	Bucket      string   `xml:"Bucket"`
	MaxUploads  int      `xml:"MaxUploads"`
	IsTruncated bool     `xml:"IsTruncated"`
	Uploads     []Upload `xml:"Upload"`
}

// ParseCompleteMultipartUpload decodes a CompleteMultipartUpload body.
// An empty body yields an empty part list.
func ParseCompleteMultipartUpload(r io.Reader) (*CompleteMultipartUpload, error) {
	var req CompleteMultipartUpload
	if err := xml.NewDecoder(r).Decode(&req); err != nil {
		if err == io.EOF {
			return &req, nil
		}
		return nil, fmt.Errorf("decode CompleteMultipartUpload: %w", err)
	}
	return &req, nil
}

// RenderError writes an S3 error document. The request id is taken from the
// x-amz-request-id response header set by the server middleware.
func RenderError(w http.ResponseWriter, s3Err *s3err.S3Error, resource string) {
	requestID := w.Header().Get("x-amz-request-id")
	if requestID == "" {
		requestID = DefaultRequestID
	}
	writeXML(w, s3Err.HTTPStatus, ErrorResponse{
		Code:      s3Err.Code,
		Message:   s3Err.Message,
		Resource:  resource,
		RequestID: requestID,
	})
}

// WriteErrorResponse renders s3Err using the request path as the resource.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, s3Err *s3err.S3Error) {
	RenderError(w, s3Err, r.URL.Path)
}

// Render writes v as a 200 OK XML document.
func Render(w http.ResponseWriter, v any) {
	writeXML(w, http.StatusOK, v)
}

// FormatTimeS3 formats t the way S3 listings do ("2006-01-02T15:04:05.000Z").
func FormatTimeS3(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// FormatTimeHTTP formats t as an RFC 7231 HTTP date.
func FormatTimeHTTP(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// ETagFromTime derives the quoted entity tag the gateway reports for stored
// objects: the last-modified time in Unix milliseconds.
func ETagFromTime(t time.Time) string {
	return `"` + strconv.FormatInt(t.UnixMilli(), 10) + `"`
}

// EncodeKeyURL URL-encodes key when encodingType is "url".
func EncodeKeyURL(key, encodingType string) string {
	if encodingType != "url" {
		return key
	}
	return url.QueryEscape(key)
}

func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)

	io.WriteString(w, xmlHeader)
	if err := xml.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, "<!-- XML encoding error: %v -->", err)
	}
}
