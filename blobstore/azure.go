package blobstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureStore implements Store over an Azure Blob Storage container,
// selected by OBJECT_STORAGE_TYPE=azure.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore builds an AzureStore for container using connection-string
// credentials (AZURE_* environment variables).
func NewAzureStore(connectionString, container string) (*AzureStore, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: new azure client: %w", err)
	}
	return &AzureStore{client: client, container: container}, nil
}

func (a *AzureStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("blobstore(azure): list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
		}
	}
	return keys, nil
}

func (a *AzureStore) Get(ctx context.Context, key string) ([]byte, *ObjectMeta, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, nil, fmt.Errorf("blobstore(azure): get %s: %w", key, err)
	}
	data, err := ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("blobstore(azure): read body %s: %w", key, err)
	}
	meta := &ObjectMeta{Size: int64(len(data))}
	if resp.ContentType != nil {
		meta.MIMEType = *resp.ContentType
	}
	if raw, ok := resp.Metadata["sam_meta"]; ok && raw != nil {
		var m map[string]any
		if err := json.Unmarshal([]byte(*raw), &m); err == nil {
			meta.Metadata = m
		}
	}
	return data, meta, nil
}

func (a *AzureStore) Put(ctx context.Context, key string, data []byte, meta *ObjectMeta) error {
	opts := &azblob.UploadBufferOptions{}
	if meta != nil {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: to.Ptr(meta.MIMEType)}
		if encoded, err := marshalMetadata(meta.Metadata); err == nil && encoded != "" {
			opts.Metadata = map[string]*string{"sam_meta": to.Ptr(encoded)}
		}
	}
	if _, err := a.client.UploadBuffer(ctx, a.container, key, data, opts); err != nil {
		return fmt.Errorf("blobstore(azure): put %s: %w", key, err)
	}
	return nil
}

func (a *AzureStore) Delete(ctx context.Context, key string) error {
	if _, err := a.client.DeleteBlob(ctx, a.container, key, nil); err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("blobstore(azure): delete %s: %w", key, err)
	}
	return nil
}
