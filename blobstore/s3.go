package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Store implements Store over an AWS S3 bucket, selected by
// OBJECT_STORAGE_TYPE=s3.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3Store for bucket using the default AWS SDK
// credential chain (S3_* environment variables).
func NewS3Store(ctx context.Context, bucket string) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("blobstore(s3): list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, *ObjectMeta, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *s3types.NoSuchKey
		var apiErr smithy.APIError
		if errors.As(err, &nsk) || (errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey") {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, nil, fmt.Errorf("blobstore(s3): get %s: %w", key, err)
	}
	data, err := ReadAll(out.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("blobstore(s3): read body %s: %w", key, err)
	}
	meta := &ObjectMeta{MIMEType: aws.ToString(out.ContentType), Size: dataLen(out.ContentLength)}
	if raw, ok := out.Metadata["sam-meta"]; ok {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			meta.Metadata = m
		}
	}
	return data, meta, nil
}

func dataLen(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, meta *ObjectMeta) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if meta != nil {
		input.ContentType = aws.String(meta.MIMEType)
		if encoded, err := marshalMetadata(meta.Metadata); err == nil && encoded != "" {
			input.Metadata = map[string]string{"sam-meta": encoded}
		}
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("blobstore(s3): put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}); err != nil {
		return fmt.Errorf("blobstore(s3): delete %s: %w", key, err)
	}
	return nil
}
