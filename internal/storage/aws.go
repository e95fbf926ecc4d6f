package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client the gateway backend uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// AWSGatewayBackend stores the tree in a single upstream S3 bucket.
//
// Key mapping:
//
//	files:   {prefix}{path}
//	folders: {prefix}{path}/   (zero-byte marker object)
type AWSGatewayBackend struct {
	Bucket string
	Prefix string
	client S3API
}

// NewAWSGatewayBackend builds an S3 client from the default credential
// chain and checks that the upstream bucket is reachable.
func NewAWSGatewayBackend(ctx context.Context, bucket, region, prefix, endpointURL string, usePathStyle bool) (*AWSGatewayBackend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = aws.String(endpointURL)
		}
		o.UsePathStyle = usePathStyle
	})

	b := NewAWSGatewayBackendWithClient(bucket, prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", bucket, err)
	}
	slog.Info("AWS gateway backend initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return b, nil
}

// NewAWSGatewayBackendWithClient wraps an existing client.
func NewAWSGatewayBackendWithClient(bucket, prefix string, client S3API) *AWSGatewayBackend {
	return &AWSGatewayBackend{Bucket: bucket, Prefix: prefix, client: client}
}

func (b *AWSGatewayBackend) key(p string) string { return b.Prefix + p }

func (b *AWSGatewayBackend) MakeFolder(ctx context.Context, p string) error {
	clean, err := CleanPath(p)
	if err != nil {
		return err
	}
	for cur := clean; cur != ""; cur, _ = splitPath(cur) {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.Bucket),
			Key:           aws.String(b.key(cur) + "/"),
			Body:          bytes.NewReader(nil),
			ContentLength: aws.Int64(0),
		})
		if err != nil {
			return fmt.Errorf("creating folder marker %q: %w", cur, err)
		}
	}
	return nil
}

func (b *AWSGatewayBackend) FolderExists(ctx context.Context, p string) (bool, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	_, err = b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(clean) + "/"),
	})
	if err == nil {
		return true, nil
	}
	if !isAWSNotFound(err) {
		return false, fmt.Errorf("checking folder %q: %w", p, err)
	}
	// Folders created by other tools may have children but no marker.
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.Bucket),
		Prefix:  aws.String(b.key(clean) + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("listing folder %q: %w", p, err)
	}
	return len(out.Contents) > 0, nil
}

func (b *AWSGatewayBackend) List(ctx context.Context, p string) (*Listing, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	ok, err := b.FolderExists(ctx, clean)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("folder %q: %w", p, ErrNotFound)
	}

	prefix := b.key(clean) + "/"
	l := &Listing{}
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.Bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing folder %q: %w", p, err)
		}
		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name != "" {
				l.Folders = append(l.Folders, FolderInfo{Name: name})
			}
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue // the folder's own marker
			}
			l.Files = append(l.Files, FileInfo{
				Name:         name,
				Size:         aws.ToInt64(obj.Size),
				ContentType:  DefaultContentType,
				LastModified: aws.ToTime(obj.LastModified).UTC(),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	// ListObjectsV2 does not return content types.
	for i := range l.Files {
		if fi, err := b.StatFile(ctx, Join(clean, l.Files[i].Name)); err == nil {
			l.Files[i].ContentType = fi.ContentType
		}
	}
	sortListing(l)
	return l, nil
}

func (b *AWSGatewayBackend) PutFile(ctx context.Context, p string, r io.Reader, size int64, contentType string) (*FileInfo, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	parent, name := splitPath(clean)
	if parent != "" {
		ok, err := b.FolderExists(ctx, parent)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("parent folder of %q: %w", p, ErrNotFound)
		}
	}

	// The SDK needs a seekable body to sign the payload.
	body, ok := r.(io.ReadSeeker)
	if !ok || size < 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("reading data for %q: %w", p, err)
		}
		body, size = bytes.NewReader(data), int64(len(data))
	}
	ct := contentTypeOrDefault(contentType)
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.key(clean)),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(ct),
	})
	if err != nil {
		return nil, fmt.Errorf("uploading %q to S3: %w", p, err)
	}
	return &FileInfo{Name: name, Size: size, ContentType: ct, LastModified: time.Now().UTC()}, nil
}

func (b *AWSGatewayBackend) GetFile(ctx context.Context, p string) (io.ReadCloser, *FileInfo, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(clean)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, nil, fmt.Errorf("file %q: %w", p, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("getting %q from S3: %w", p, err)
	}
	_, name := splitPath(clean)
	return out.Body, &FileInfo{
		Name:         name,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  contentTypeOrDefault(aws.ToString(out.ContentType)),
		LastModified: aws.ToTime(out.LastModified).UTC(),
	}, nil
}

func (b *AWSGatewayBackend) StatFile(ctx context.Context, p string) (*FileInfo, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(clean)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("file %q: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("stat %q in S3: %w", p, err)
	}
	_, name := splitPath(clean)
	return &FileInfo{
		Name:         name,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  contentTypeOrDefault(aws.ToString(out.ContentType)),
		LastModified: aws.ToTime(out.LastModified).UTC(),
	}, nil
}

// Delete removes the object at p and everything under p/ in batches.
func (b *AWSGatewayBackend) Delete(ctx context.Context, p string) error {
	clean, err := CleanPath(p)
	if err != nil {
		return err
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(clean)),
	})
	if err != nil && !isAWSNotFound(err) {
		return fmt.Errorf("deleting %q from S3: %w", p, err)
	}

	prefix := b.key(clean) + "/"
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.Bucket),
			Prefix: aws.String(prefix),
		})
		if err != nil {
			return fmt.Errorf("listing %q for delete: %w", p, err)
		}
		if len(out.Contents) == 0 {
			return nil
		}
		ids := make([]types.ObjectIdentifier, 0, len(out.Contents))
		for _, obj := range out.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("batch-deleting under %q: %w", p, err)
		}
	}
}

func (b *AWSGatewayBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.Bucket),
	})
	return err
}

// isAWSNotFound reports whether err is a 404 from S3.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404", "NoSuchBucket":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}

var _ StorageBackend = (*AWSGatewayBackend)(nil)
