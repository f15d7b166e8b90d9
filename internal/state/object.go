package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Options configures the object store backend
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	// Insecure disables TLS towards the endpoint
	Insecure bool
}

// ObjectBackend keeps the state as a single S3 object. A PUT replaces the
// object as a whole, so readers never see a partial state.
type ObjectBackend struct {
	client *minio.Client
	bucket string
	key    string
}

// ParseObjectLocation splits s3://bucket/key
func ParseObjectLocation(location string) (bucket, key string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("invalid state location %q: %w", location, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid state location %q: expected s3://bucket/key", location)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("invalid state location %q: missing object key", location)
	}
	return u.Host, key, nil
}

// NewObjectBackend creates a backend for an s3://bucket/key location
func NewObjectBackend(location string, opts S3Options) (*ObjectBackend, error) {
	bucket, key, err := ParseObjectLocation(location)
	if err != nil {
		return nil, err
	}
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("state.s3.endpoint is required for %s", location)
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: !opts.Insecure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return &ObjectBackend{client: client, bucket: bucket, key: key}, nil
}

func (b *ObjectBackend) Location() string {
	return "s3://" + b.bucket + "/" + b.key
}

func (b *ObjectBackend) Read(ctx context.Context) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateError(err)
	}
	defer func() {
		_ = obj.Close()
	}()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translateError(err)
	}
	return data, nil
}

func (b *ObjectBackend) Write(ctx context.Context, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, b.key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return translateError(err)
	}
	return nil
}

func (b *ObjectBackend) Exists(ctx context.Context) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, b.key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	err = translateError(err)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func translateError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return ErrNotFound
	}
	return err
}
