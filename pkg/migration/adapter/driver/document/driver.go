package document

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
)

const schemaMarkerPrefix = "_schema/"

// conn wraps the bucket handle for one shard. The document store has no
// notion of a live connection beyond the bucket handle itself, so Close is a
// no-op delegating to the driver's shared bucket lifecycle.
type conn struct {
	shardID string
}

func (c *conn) Close() error { return nil }

// Driver implements ports.StoreDriver for the document store class, backing
// each shard onto one bucket namespace of a shared bucket client.
type Driver struct {
	buckets map[string]bucket // shard id -> backend
}

// New builds a Driver from the engine's store_connections entries whose
// StoreClass is "document". Each entry's DSN names the bucket (gcs dialect)
// or base directory (local dialect) backing that shard.
func New(ctx context.Context, connections []config.StoreConnectionConfig) (*Driver, error) {
	d := &Driver{buckets: make(map[string]bucket)}
	for _, c := range connections {
		if model.StoreClass(c.StoreClass) != model.StoreClassDocument {
			continue
		}
		var b bucket
		var err error
		switch c.Dialect {
		case "gcs":
			b, err = newGCSBucket(ctx, c.DSN)
		case "local", "":
			b, err = newLocalBucket(c.DSN)
		default:
			return nil, fmt.Errorf("document driver: unknown dialect %q for connection %q", c.Dialect, c.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("document driver: initializing shard %q: %w", c.Name, err)
		}
		d.buckets[c.Name] = b
	}
	return d, nil
}

func (d *Driver) StoreClass() model.StoreClass { return model.StoreClassDocument }

func (d *Driver) Open(ctx context.Context, shardID string) (ports.Conn, error) {
	if _, ok := d.buckets[shardID]; !ok {
		return nil, fmt.Errorf("document driver: no bucket configured for shard %q", shardID)
	}
	return &conn{shardID: shardID}, nil
}

func (d *Driver) shardBucket(c ports.Conn) (bucket, string, error) {
	sc, ok := c.(*conn)
	if !ok {
		return nil, "", fmt.Errorf("document driver: connection is not a document conn")
	}
	b, ok := d.buckets[sc.shardID]
	if !ok {
		return nil, "", fmt.Errorf("document driver: no bucket configured for shard %q", sc.shardID)
	}
	return b, sc.shardID, nil
}

// ApplySchema records a marker object under _schema/<step.ID> so re-running
// the same schema step is a no-op; document stores have no native DDL to run.
func (d *Driver) ApplySchema(ctx context.Context, c ports.Conn, step model.Step) (bool, error) {
	b, shardID, err := d.shardBucket(c)
	if err != nil {
		return false, err
	}
	markerName := schemaMarkerPrefix + step.ID
	if _, err := b.Download(ctx, shardID, markerName); err == nil {
		return true, nil
	}
	if err := b.Upload(ctx, shardID, markerName, bytes.NewReader([]byte("applied")), "text/plain"); err != nil {
		return false, fmt.Errorf("document driver: recording schema marker for step %q: %w", step.ID, err)
	}
	return false, nil
}

// StreamBatch lists object names lexically and pages through them starting
// strictly after cursor — document object names therefore double as the
// cursor, matching how §4.3's cursor contract is shard-local and opaque.
func (d *Driver) StreamBatch(ctx context.Context, c ports.Conn, cursor string, size int) (ports.Batch, error) {
	b, shardID, err := d.shardBucket(c)
	if err != nil {
		return ports.Batch{}, err
	}

	var names []string
	if err := b.ListObjects(ctx, shardID, "", func(objectName string) error {
		if strings.HasPrefix(objectName, schemaMarkerPrefix) {
			return nil
		}
		names = append(names, objectName)
		return nil
	}); err != nil {
		return ports.Batch{}, fmt.Errorf("document driver: listing objects on shard %q: %w", shardID, err)
	}
	sort.Strings(names)

	start := 0
	if cursor != "" {
		idx := sort.SearchStrings(names, cursor)
		if idx < len(names) && names[idx] == cursor {
			idx++
		}
		start = idx
	}
	if start > len(names) {
		start = len(names)
	}
	end := start + size
	done := end >= len(names)
	if end > len(names) {
		end = len(names)
	}

	page := names[start:end]
	records := make([]ports.Record, 0, len(page))
	for _, name := range page {
		r, err := d.readRecord(ctx, b, shardID, name)
		if err != nil {
			return ports.Batch{}, err
		}
		records = append(records, r)
	}

	nextCursor := cursor
	if len(page) > 0 {
		nextCursor = page[len(page)-1]
	}
	return ports.Batch{Records: records, NextCursor: nextCursor, Done: done}, nil
}

func (d *Driver) readRecord(ctx context.Context, b bucket, shardID, objectName string) (ports.Record, error) {
	rc, err := b.Download(ctx, shardID, objectName)
	if err != nil {
		return ports.Record{}, fmt.Errorf("document driver: downloading object %q: %w", objectName, err)
	}
	defer rc.Close()

	var fields map[string]interface{}
	if err := json.NewDecoder(rc).Decode(&fields); err != nil {
		return ports.Record{}, fmt.Errorf("document driver: decoding object %q: %w", objectName, err)
	}
	return ports.Record{ID: objectName, Fields: fields}, nil
}

// ApplyBatch writes each record as its own JSON object, keyed by Record.ID.
func (d *Driver) ApplyBatch(ctx context.Context, c ports.Conn, records []ports.Record) (int, error) {
	b, shardID, err := d.shardBucket(c)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, rec := range records {
		body, err := json.Marshal(rec.Fields)
		if err != nil {
			return applied, fmt.Errorf("document driver: marshaling record %q: %w", rec.ID, err)
		}
		if err := b.Upload(ctx, shardID, rec.ID, bytes.NewReader(body), "application/json"); err != nil {
			return applied, fmt.Errorf("document driver: writing record %q: %w", rec.ID, err)
		}
		applied++
	}
	return applied, nil
}

// Begin returns ErrNoTransactions: object writes are independently atomic but
// the document store has no multi-object transaction boundary.
func (d *Driver) Begin(ctx context.Context, c ports.Conn) (ports.Tx, error) {
	return nil, ports.ErrNoTransactions
}

func (d *Driver) HealthCheck(ctx context.Context, c ports.Conn) ports.Health {
	if _, _, err := d.shardBucket(c); err != nil {
		return ports.HealthDown
	}
	return ports.HealthOK
}

var _ ports.StoreDriver = (*Driver)(nil)
