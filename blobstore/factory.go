package blobstore

import (
	"context"
	"fmt"
	"os"
)

// BackendConfig selects and configures a blob store backend, dispatched
// by OBJECT_STORAGE_TYPE.
type BackendConfig struct {
	// Type selects which backend Open constructs.
	Type string // "s3", "gcs", "azure", or "filesystem"
	// Bucket is the S3/GCS bucket name or Azure container name.
	Bucket string
	// FilesystemRoot is used only when Type == "filesystem".
	FilesystemRoot string
	// AzureConnectionString is used only when Type == "azure"; read from
	// AZURE_STORAGE_CONNECTION_STRING if empty
	AzureConnectionString string
}

// Open constructs the backend named by cfg.Type.
func Open(ctx context.Context, cfg BackendConfig) (Store, error) {
	switch cfg.Type {
	case "s3":
		return NewS3Store(ctx, cfg.Bucket)
	case "gcs":
		return NewGCSStore(ctx, cfg.Bucket)
	case "azure":
		connStr := cfg.AzureConnectionString
		if connStr == "" {
			connStr = os.Getenv("AZURE_STORAGE_CONNECTION_STRING")
		}
		return NewAzureStore(connStr, cfg.Bucket)
	case "filesystem", "":
		root := cfg.FilesystemRoot
		if root == "" {
			root = "./data/artifacts"
		}
		return NewFilesystemStore(root)
	default:
		return nil, fmt.Errorf("blobstore: unknown backend type %q", cfg.Type)
	}
}
