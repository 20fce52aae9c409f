// Package document implements ports.StoreDriver over a bucket-shaped document
// store: every shard is one bucket, every record is one JSON object keyed by
// its ID. The "local" dialect backs onto the filesystem for development and
// tests; the "gcs" dialect backs onto Google Cloud Storage for production,
// mirroring the two-tier local/cloud split the storage adapters already use
// for export targets.
package document

import (
	"context"
	"io"
)

// bucket is the minimal object-store capability the driver needs, matching
// the shape of the storage adapters' upload/download/list/delete surface.
type bucket interface {
	Upload(ctx context.Context, bucket, objectName string, data io.Reader, contentType string) error
	Download(ctx context.Context, bucket, objectName string) (io.ReadCloser, error)
	ListObjects(ctx context.Context, bucketName, prefix string, fn func(objectName string) error) error
	DeleteObject(ctx context.Context, bucket, objectName string) error
	Close() error
}
