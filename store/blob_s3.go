package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Blob is a BlobStore backing out-of-line snapshots (those over the
// inline-cutover threshold) with objects in a single S3 bucket.
type S3Blob struct {
	client *s3.Client
	bucket string
}

// NewS3Blob loads the default AWS config chain (environment, shared config
// file, EC2/ECS instance role) and returns a store writing to bucket.
func NewS3Blob(ctx context.Context, bucket string, optFns ...func(*config.LoadOptions) error) (*S3Blob, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Blob{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Put uploads data under key. Snapshot blob keys are id-addressed by the
// caller (snapshot.go uses snapshots/{workflow_id}/{snapshot_id} with a
// freshly generated snapshot id), so no key is written twice in practice.
func (b *S3Blob) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get fetches the object stored under key, or ErrNotFound if it doesn't
// exist.
func (b *S3Blob) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &notFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}
