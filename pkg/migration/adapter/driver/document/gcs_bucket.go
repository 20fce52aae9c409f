package document

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// gcsBucket implements bucket against Google Cloud Storage. dsn is the GCS
// bucket name objects are namespaced under a "<bucket-param>/<objectName>"
// prefix, since the engine treats each shard as a logical bucket but GCS
// bills per physical bucket.
type gcsBucket struct {
	client *storage.Client
	bkt    *storage.BucketHandle
}

func newGCSBucket(ctx context.Context, dsn string) (*gcsBucket, error) {
	if dsn == "" {
		return nil, fmt.Errorf("document driver: gcs dialect requires a non-empty DSN (bucket name)")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("document driver: creating GCS client: %w", err)
	}
	return &gcsBucket{client: client, bkt: client.Bucket(dsn)}, nil
}

func (b *gcsBucket) key(bucketName, objectName string) string {
	return bucketName + "/" + objectName
}

func (b *gcsBucket) Upload(ctx context.Context, bucketName, objectName string, data io.Reader, contentType string) error {
	w := b.bkt.Object(b.key(bucketName, objectName)).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, data); err != nil {
		w.Close()
		return fmt.Errorf("document driver: writing object %q: %w", objectName, err)
	}
	return w.Close()
}

func (b *gcsBucket) Download(ctx context.Context, bucketName, objectName string) (io.ReadCloser, error) {
	r, err := b.bkt.Object(b.key(bucketName, objectName)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("document driver: reading object %q: %w", objectName, err)
	}
	return r, nil
}

func (b *gcsBucket) ListObjects(ctx context.Context, bucketName, prefix string, fn func(objectName string) error) error {
	it := b.bkt.Objects(ctx, &storage.Query{Prefix: b.key(bucketName, prefix)})
	base := bucketName + "/"
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("document driver: listing objects with prefix %q: %w", prefix, err)
		}
		name := attrs.Name
		if len(name) > len(base) {
			name = name[len(base):]
		}
		if err := fn(name); err != nil {
			return err
		}
	}
}

func (b *gcsBucket) DeleteObject(ctx context.Context, bucketName, objectName string) error {
	if err := b.bkt.Object(b.key(bucketName, objectName)).Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
		return fmt.Errorf("document driver: deleting object %q: %w", objectName, err)
	}
	return nil
}

func (b *gcsBucket) Close() error {
	return b.client.Close()
}
