// Package backup implements the pre-step snapshot capture and restore the
// Executor's compensating action uses for a completed data step when no
// inverse transform is registered for it — the "(a) restore from a pre-step
// snapshot identifier" branch of rollback's two data-compensation paths, the
// other being replaying a registered inverse transform.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
)

// Config holds Backup's settings, decoded from the engine's generic
// per-component properties map the same way the teacher's component
// builders decode their own dynamic property bags.
type Config struct {
	Dir             string `mapstructure:"dir"`
	CompressionType string `mapstructure:"compressionType"`
}

// ConfigFromProperties decodes raw into a Config, applying defaults for any
// field raw leaves unset. A nil or empty raw yields all-default Config.
func ConfigFromProperties(raw map[string]interface{}) (Config, error) {
	cfg := Config{Dir: "./data/backup", CompressionType: "SNAPPY"}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := mapstructure.Decode(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("backup: decoding properties: %w", err)
	}
	return cfg, nil
}

// row is the fixed Parquet schema every snapshot record is written as.
// Fields travels as an opaque JSON document since ports.Record.Fields is a
// dynamic map that static schema reflection cannot describe directly,
// mirroring the document driver's own Fields-as-JSON convention.
type row struct {
	ID     string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fields string `parquet:"name=fields, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Backup writes and reads pre-step snapshots under one base directory, one
// file per (migration, step, shard).
type Backup struct {
	dir         string
	compression parquet.CompressionCodec
}

// New creates a Backup rooted at cfg.Dir, creating the directory if absent.
func New(cfg Config) (*Backup, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: creating snapshot directory %q: %w", cfg.Dir, err)
	}
	codec, err := compressionCodec(cfg.CompressionType)
	if err != nil {
		return nil, err
	}
	return &Backup{dir: cfg.Dir, compression: codec}, nil
}

func compressionCodec(name string) (parquet.CompressionCodec, error) {
	switch strings.ToUpper(name) {
	case "SNAPPY", "":
		return parquet.CompressionCodec_SNAPPY, nil
	case "GZIP":
		return parquet.CompressionCodec_GZIP, nil
	case "NONE":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	default:
		return 0, fmt.Errorf("backup: unsupported compression type %q", name)
	}
}

// Capture opens a new snapshot file for one (migration, step, shard) run.
// The caller streams pre-transform records into it via Write as the
// Executor reads them, then calls Close once the step's stream is
// exhausted to obtain the ref the Status Store persists onto ShardProgress.
func (b *Backup) Capture(migrationID string, step model.Step) (*Capture, error) {
	ref := filepath.Join(b.dir, fmt.Sprintf("%s_%s_%s_%s.parquet", migrationID, step.ID, step.ShardID, uuid.NewString()))
	f, err := local.NewLocalFileWriter(ref)
	if err != nil {
		return nil, fmt.Errorf("backup: opening snapshot file %q: %w", ref, err)
	}
	pw, err := writer.NewParquetWriter(f, new(row), 4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("backup: creating parquet writer for %q: %w", ref, err)
	}
	pw.CompressionType = b.compression
	return &Capture{ref: ref, file: f, writer: pw}, nil
}

// Restore reads every record back out of the snapshot file ref names.
func (b *Backup) Restore(ctx context.Context, ref string) ([]ports.Record, error) {
	if ref == "" {
		return nil, fmt.Errorf("backup: empty snapshot ref")
	}
	f, err := local.NewLocalFileReader(ref)
	if err != nil {
		return nil, fmt.Errorf("backup: opening snapshot file %q: %w", ref, err)
	}
	defer f.Close()

	pr, err := reader.NewParquetReader(f, new(row), 4)
	if err != nil {
		return nil, fmt.Errorf("backup: creating parquet reader for %q: %w", ref, err)
	}
	defer pr.ReadStop()

	total := int(pr.GetNumRows())
	rows := make([]row, total)
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("backup: reading snapshot %q: %w", ref, err)
	}

	records := make([]ports.Record, 0, total)
	for _, r := range rows {
		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(r.Fields), &fields); err != nil {
			return nil, fmt.Errorf("backup: unmarshalling fields for record %q: %w", r.ID, err)
		}
		records = append(records, ports.Record{ID: r.ID, Fields: fields})
	}
	return records, nil
}

// Capture is one in-progress snapshot write, scoped to a single Executor.Run
// call.
type Capture struct {
	ref    string
	file   source.ParquetFile
	writer *writer.ParquetWriter
}

// Write appends records to the snapshot, skipping none: every record the
// Executor is about to transform and apply is captured exactly as read.
func (c *Capture) Write(records []ports.Record) error {
	var errs error
	for _, rec := range records {
		fieldsJSON, err := json.Marshal(rec.Fields)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("backup: marshalling fields for record %q: %w", rec.ID, err))
			continue
		}
		if err := c.writer.Write(row{ID: rec.ID, Fields: string(fieldsJSON)}); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("backup: writing record %q: %w", rec.ID, err))
		}
	}
	return errs
}

// Close finalizes the snapshot file and returns its ref.
func (c *Capture) Close() (string, error) {
	var errs error
	if err := c.writer.WriteStop(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("backup: finalizing snapshot %q: %w", c.ref, err))
	}
	if err := c.file.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("backup: closing snapshot file %q: %w", c.ref, err))
	}
	if errs != nil {
		return "", errs
	}
	return c.ref, nil
}
