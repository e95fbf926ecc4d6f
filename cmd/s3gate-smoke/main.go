// Package main is s3gate-smoke, an end-to-end check of a running gateway
// with the MinIO client.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/s3gate/s3gate/internal/logging"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

type object struct {
	name string
	data []byte
}

func main() {
	bucket := flag.String("bucket", getenv("S3GATE_SMOKE_BUCKET", "smoke-test"), "bucket to create and use")
	file := flag.String("file", "", "local file to upload (default: generated data)")
	size := flag.Int64("size", 12<<20, "size of the generated multipart object")
	partSize := flag.Uint64("part-size", 5<<20, "multipart part size; objects larger than this are uploaded in parts")
	keep := flag.Bool("keep", false, "leave objects and bucket in place")
	flag.Parse()

	logging.Setup(getenv("S3GATE_LOG_LEVEL", "info"), "pretty", os.Stderr)

	client, err := minio.New(getenv("S3GATE_ENDPOINT", "localhost:3000"), &minio.Options{
		Creds:        credentials.NewStaticV4(getenv("S3GATE_ACCESS_KEY", "test"), getenv("S3GATE_SECRET_KEY", "test"), ""),
		Secure:       getenv("S3GATE_SECURE", "") == "true",
		Region:       getenv("S3GATE_REGION", "us-east-1"),
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		slog.Error("Failed to create client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	objects, err := buildObjects(*file, *size)
	if err != nil {
		slog.Error("Failed to prepare objects", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, client, *bucket, objects, *partSize, *keep); err != nil {
		slog.Error("Smoke test failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Smoke test passed", "bucket", *bucket, "objects", len(objects))
}

func buildObjects(file string, size int64) ([]object, error) {
	objects := []object{{name: "smoke/hello.txt", data: []byte("Hello from s3gate-smoke!\n")}}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return append(objects, object{name: "smoke/upload.bin", data: data}), nil
	}
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return nil, err
	}
	return append(objects, object{name: "smoke/multipart.bin", data: data}), nil
}

func run(ctx context.Context, client *minio.Client, bucket string, objects []object, partSize uint64, keep bool) error {
	if err := ensureBucket(ctx, client, bucket); err != nil {
		return err
	}

	for _, o := range objects {
		start := time.Now()
		info, err := client.PutObject(ctx, bucket, o.name, bytes.NewReader(o.data), int64(len(o.data)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			PartSize:    partSize,
		})
		if err != nil {
			return fmt.Errorf("uploading %s: %w", o.name, err)
		}
		slog.Info("Uploaded object", "key", o.name, "size", info.Size, "etag", info.ETag, "took", time.Since(start))
	}

	listed := make(map[string]int64)
	for info := range client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: "smoke/", Recursive: true}) {
		if info.Err != nil {
			return fmt.Errorf("listing %s: %w", bucket, info.Err)
		}
		listed[info.Key] = info.Size
	}
	for _, o := range objects {
		if got, ok := listed[o.name]; !ok || got != int64(len(o.data)) {
			return fmt.Errorf("listing: %s has size %d (present %v), want %d", o.name, got, ok, len(o.data))
		}
	}

	for _, o := range objects {
		if err := verifyObject(ctx, client, bucket, o); err != nil {
			return err
		}
	}

	if keep {
		return nil
	}
	for _, o := range objects {
		if err := client.RemoveObject(ctx, bucket, o.name, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("deleting %s: %w", o.name, err)
		}
	}
	if err := client.RemoveBucket(ctx, bucket); err != nil {
		return fmt.Errorf("deleting bucket %s: %w", bucket, err)
	}
	slog.Info("Cleaned up", "bucket", bucket)
	return nil
}

// ensureBucket checks if a bucket exists, and creates it if it does not.
func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %q: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %q: %w", bucket, err)
	}
	slog.Info("Created bucket", "bucket", bucket)
	return nil
}

func verifyObject(ctx context.Context, client *minio.Client, bucket string, o object) error {
	obj, err := client.GetObject(ctx, bucket, o.name, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("downloading %s: %w", o.name, err)
	}
	defer obj.Close()

	h := sha256.New()
	n, err := io.Copy(h, obj)
	if err != nil {
		return fmt.Errorf("reading %s: %w", o.name, err)
	}
	want := sha256.Sum256(o.data)
	if n != int64(len(o.data)) || !bytes.Equal(h.Sum(nil), want[:]) {
		return errors.New("content mismatch for " + o.name)
	}
	slog.Info("Verified object", "key", o.name, "bytes", n)
	return nil
}
