package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore implements Store over a Google Cloud Storage bucket, selected
// by OBJECT_STORAGE_TYPE=gcs.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewGCSStore builds a GCSStore for bucket using application-default
// credentials (GCS_* environment variables).
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: new gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: client.Bucket(bucket)}, nil
}

func (g *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("blobstore(gcs): list %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (g *GCSStore) Get(ctx context.Context, key string) ([]byte, *ObjectMeta, error) {
	obj := g.bucket.Object(key)
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, nil, fmt.Errorf("blobstore(gcs): get %s: %w", key, err)
	}
	data, err := ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("blobstore(gcs): read body %s: %w", key, err)
	}
	attrs, err := obj.Attrs(ctx)
	meta := &ObjectMeta{Size: int64(len(data))}
	if err == nil {
		meta.MIMEType = attrs.ContentType
		if raw, ok := attrs.Metadata["sam-meta"]; ok {
			var m map[string]any
			if err := json.Unmarshal([]byte(raw), &m); err == nil {
				meta.Metadata = m
			}
		}
	}
	return data, meta, nil
}

func (g *GCSStore) Put(ctx context.Context, key string, data []byte, meta *ObjectMeta) error {
	obj := g.bucket.Object(key)
	w := obj.NewWriter(ctx)
	if meta != nil {
		w.ContentType = meta.MIMEType
		if encoded, err := marshalMetadata(meta.Metadata); err == nil && encoded != "" {
			w.Metadata = map[string]string{"sam-meta": encoded}
		}
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("blobstore(gcs): write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("blobstore(gcs): close writer %s: %w", key, err)
	}
	return nil
}

func (g *GCSStore) Delete(ctx context.Context, key string) error {
	if err := g.bucket.Object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("blobstore(gcs): delete %s: %w", key, err)
	}
	return nil
}
