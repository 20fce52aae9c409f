// Package relational implements ports.StoreDriver over SQL back-ends (MySQL,
// Postgres, SQLite) via GORM for connection management and golang-migrate for
// schema application, mirroring how the teacher framework's migration tasklet
// drives the same pair of libraries.
package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	migdb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	gormmysql "gorm.io/driver/mysql"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
)

const migrationsTable = "engine_schema_migrations"
const dataTable = "engine_migration_records"

// dataRow is the fixed-shape table every shard's data steps write into: one
// flat keyspace per shard, keyed by Record.ID, with the record's fields held
// as an opaque JSON document — mirroring the document driver's one-bucket-
// per-shard convention so both StoreDriver variants cursor the same way.
type dataRow struct {
	ID     string `gorm:"primaryKey;column:id"`
	Fields string `gorm:"column:fields"`
}

func (dataRow) TableName() string { return dataTable }

type conn struct {
	shardID string
	db      *gorm.DB
	dialect string
}

func (c *conn) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return nil
	}
	return sqlDB.Close()
}

// Driver implements ports.StoreDriver for the relational store class. One
// *gorm.DB is opened per shard, on each Open call.
type Driver struct {
	dsn map[string]config.StoreConnectionConfig // shard id -> connection config
}

// New builds a Driver from the engine's store_connections entries whose
// StoreClass is "relational".
func New(connections []config.StoreConnectionConfig) *Driver {
	d := &Driver{dsn: make(map[string]config.StoreConnectionConfig)}
	for _, c := range connections {
		if model.StoreClass(c.StoreClass) == model.StoreClassRelational {
			d.dsn[c.Name] = c
		}
	}
	return d
}

func (d *Driver) StoreClass() model.StoreClass { return model.StoreClassRelational }

func dialector(dialect, dsn string) (gorm.Dialector, error) {
	switch dialect {
	case "mysql":
		return gormmysql.Open(dsn), nil
	case "postgres":
		return gormpostgres.Open(dsn), nil
	case "sqlite":
		return gormsqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("relational driver: unsupported dialect %q", dialect)
	}
}

func (d *Driver) Open(ctx context.Context, shardID string) (ports.Conn, error) {
	cc, ok := d.dsn[shardID]
	if !ok {
		return nil, fmt.Errorf("relational driver: no connection configured for shard %q", shardID)
	}
	dia, err := dialector(cc.Dialect, cc.DSN)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dia, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("relational driver: opening shard %q: %w", shardID, err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&dataRow{}); err != nil {
		return nil, fmt.Errorf("relational driver: ensuring data table on shard %q: %w", shardID, err)
	}
	return &conn{shardID: shardID, db: db, dialect: cc.Dialect}, nil
}

// ApplySchema runs every pending golang-migrate migration found under the
// directory named by step.PayloadRef against the shard's migrations table.
// Idempotency is golang-migrate's own: migrate.ErrNoChange means the shard
// was already at that version.
func (d *Driver) ApplySchema(ctx context.Context, c ports.Conn, step model.Step) (bool, error) {
	sc, ok := c.(*conn)
	if !ok {
		return false, fmt.Errorf("relational driver: connection is not a relational conn")
	}
	sqlDB, err := sc.db.DB()
	if err != nil {
		return false, fmt.Errorf("relational driver: obtaining sql.DB for shard %q: %w", sc.shardID, err)
	}

	sourceDriver, err := iofs.New(os.DirFS(step.PayloadRef), ".")
	if err != nil {
		return false, fmt.Errorf("relational driver: loading migration source %q for step %q: %w", step.PayloadRef, step.ID, err)
	}

	dbDriver, err := databaseDriver(sc.dialect, sqlDB)
	if err != nil {
		return false, err
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, sc.dialect, dbDriver)
	if err != nil {
		return false, fmt.Errorf("relational driver: creating migrate instance for step %q: %w", step.ID, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			return true, nil
		}
		return false, fmt.Errorf("relational driver: applying schema step %q on shard %q: %w", step.ID, sc.shardID, err)
	}
	return false, nil
}

func databaseDriver(dialect string, sqlDB *sql.DB) (migdb.Driver, error) {
	switch dialect {
	case "mysql":
		return mysql.WithInstance(sqlDB, &mysql.Config{MigrationsTable: migrationsTable})
	case "postgres":
		return postgres.WithInstance(sqlDB, &postgres.Config{MigrationsTable: migrationsTable})
	case "sqlite":
		return sqlite.WithInstance(sqlDB, &sqlite.Config{MigrationsTable: migrationsTable})
	default:
		return nil, fmt.Errorf("relational driver: unsupported dialect %q", dialect)
	}
}

// StreamBatch pages through the shard's data table ordered by id, using
// cursor as the last id seen.
func (d *Driver) StreamBatch(ctx context.Context, c ports.Conn, cursor string, size int) (ports.Batch, error) {
	sc, ok := c.(*conn)
	if !ok {
		return ports.Batch{}, fmt.Errorf("relational driver: connection is not a relational conn")
	}

	var rows []dataRow
	tx := sc.db.WithContext(ctx).Order("id asc").Limit(size + 1)
	if cursor != "" {
		tx = tx.Where("id > ?", cursor)
	}
	if err := tx.Find(&rows).Error; err != nil {
		return ports.Batch{}, fmt.Errorf("relational driver: streaming shard %q: %w", sc.shardID, err)
	}

	done := len(rows) <= size
	if !done {
		rows = rows[:size]
	}

	records := make([]ports.Record, 0, len(rows))
	nextCursor := cursor
	for _, row := range rows {
		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(row.Fields), &fields); err != nil {
			return ports.Batch{}, fmt.Errorf("relational driver: decoding record %q: %w", row.ID, err)
		}
		records = append(records, ports.Record{ID: row.ID, Fields: fields})
		nextCursor = row.ID
	}
	return ports.Batch{Records: records, NextCursor: nextCursor, Done: done}, nil
}

// ApplyBatch upserts each record into the shard's data table by id, wrapped
// in a single transaction so the batch is all-or-nothing.
func (d *Driver) ApplyBatch(ctx context.Context, c ports.Conn, records []ports.Record) (int, error) {
	sc, ok := c.(*conn)
	if !ok {
		return 0, fmt.Errorf("relational driver: connection is not a relational conn")
	}
	if len(records) == 0 {
		return 0, nil
	}

	rows := make([]dataRow, 0, len(records))
	for _, rec := range records {
		body, err := json.Marshal(rec.Fields)
		if err != nil {
			return 0, fmt.Errorf("relational driver: encoding record %q: %w", rec.ID, err)
		}
		rows = append(rows, dataRow{ID: rec.ID, Fields: string(body)})
	}

	err := sc.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"fields"}),
	}).Create(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("relational driver: applying batch to shard %q: %w", sc.shardID, err)
	}
	return len(rows), nil
}

// Begin exposes the shard's native transaction boundary.
func (d *Driver) Begin(ctx context.Context, c ports.Conn) (ports.Tx, error) {
	sc, ok := c.(*conn)
	if !ok {
		return nil, fmt.Errorf("relational driver: connection is not a relational conn")
	}
	tx := sc.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &gormTx{tx: tx}, nil
}

func (d *Driver) HealthCheck(ctx context.Context, c ports.Conn) ports.Health {
	sc, ok := c.(*conn)
	if !ok {
		return ports.HealthDown
	}
	sqlDB, err := sc.db.DB()
	if err != nil || sqlDB.PingContext(ctx) != nil {
		return ports.HealthDown
	}
	stats := sqlDB.Stats()
	if stats.OpenConnections > 0 && stats.InUse == stats.OpenConnections {
		return ports.HealthDegraded
	}
	return ports.HealthOK
}

type gormTx struct {
	tx *gorm.DB
}

func (t *gormTx) Commit() error   { return t.tx.Commit().Error }
func (t *gormTx) Rollback() error { return t.tx.Rollback().Error }

var _ ports.StoreDriver = (*Driver)(nil)
