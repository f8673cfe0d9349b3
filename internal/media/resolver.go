// Package media resolves opaque media keys (avatars, message attachments)
// stored in MinIO into short-lived presigned GET URLs.
package media

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Resolver struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

func NewResolver(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Resolver, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Resolver{
		client: client,
		bucket: bucket,
		ttl:    15 * time.Minute,
	}, nil
}

// EnsureBucket creates the media bucket when it does not exist yet.
func (r *Resolver) EnsureBucket(ctx context.Context) error {
	exists, err := r.client.BucketExists(ctx, r.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := r.client.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

// ResolveURL turns an opaque object key into a presigned GET URL. Empty keys
// resolve to empty strings so callers can pass references through untouched.
func (r *Resolver) ResolveURL(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	presigned, err := r.client.PresignedGetObject(ctx, r.bucket, key, r.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return presigned.String(), nil
}
