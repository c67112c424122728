// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists category records and sync checkpoints in a
// relational database via gorm. Records are dynamic rows, one table per
// category, uniquely indexed by the category's composite key.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stockparfait/datahub/category"
	"github.com/stockparfait/datahub/db"
	"github.com/stockparfait/datahub/normalize"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
)

// Supported values of Config.Driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DefaultWriteBatch is the number of records written in one transaction.
const DefaultWriteBatch = 500

// Config of the store connection.
type Config struct {
	Driver     string `toml:"driver"` // "postgres" or "sqlite"
	DSN        string `toml:"dsn"`
	WriteBatch int    `toml:"write_batch"`
}

// Store of category records and checkpoints.
type Store struct {
	db         *gorm.DB
	driver     string
	writeBatch int

	mu    sync.Mutex
	ready map[category.Name]bool // tables and indices already ensured
}

// Open connects to the database and migrates the checkpoint table.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, errors.Reason("unsupported store driver '%s'", cfg.Driver)
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, errors.Annotate(err, "failed to open %s store", cfg.Driver)
	}
	if cfg.Driver == DriverSQLite {
		// SQLite allows a single writer; serialize all access through one
		// connection.
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, errors.Annotate(err, "failed to access the connection pool")
		}
		sqlDB.SetMaxOpenConns(1)
	}
	batch := cfg.WriteBatch
	if batch <= 0 {
		batch = DefaultWriteBatch
	}
	s := &Store{
		db:         gdb,
		driver:     cfg.Driver,
		writeBatch: batch,
		ready:      make(map[category.Name]bool),
	}
	if err := s.db.WithContext(ctx).AutoMigrate(&Checkpoint{}); err != nil {
		return nil, errors.Annotate(err, "failed to migrate checkpoints")
	}
	return s, nil
}

// Close the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Annotate(err, "failed to access the connection pool")
	}
	return sqlDB.Close()
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteAll(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = quote(n)
	}
	return strings.Join(q, ", ")
}

func columnType(k category.Kind) string {
	switch k {
	case category.Float:
		return "DOUBLE PRECISION"
	case category.Int:
		return "BIGINT"
	}
	return "TEXT"
}

// EnsureTable creates the category table and its unique key index, unless
// this store has already done so.
func (s *Store) EnsureTable(ctx context.Context, d *category.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready[d.Name] {
		return nil
	}
	var cols []string
	for _, c := range d.Columns() {
		f, _ := d.Column(c)
		cols = append(cols, quote(c)+" "+columnType(f.Kind))
	}
	for _, f := range d.Extra {
		cols = append(cols, quote(f.Name)+" "+columnType(f.Kind))
	}
	cols = append(cols, quote(normalize.UpdatedAt)+" TIMESTAMP")
	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
			quote(d.Table), strings.Join(cols, ", ")),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			quote("uniq_"+d.Table+"_key"), quote(d.Table), quoteAll(d.Key)),
	}
	if d.Ranged() {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quote("idx_"+d.Table+"_"+d.DateField), quote(d.Table), quote(d.DateField)))
	}
	tx := s.db.WithContext(ctx)
	for _, stmt := range stmts {
		if err := tx.Exec(stmt).Error; err != nil {
			return errors.Annotate(err, "failed to prepare table %s", d.Table)
		}
	}
	logging.Debugf(ctx, "store: table %s is ready", d.Table)
	s.ready[d.Name] = true
	return nil
}

// UpsertResult counts the effect of an Upsert.
type UpsertResult struct {
	Matched  int `json:"matched"`  // keys already present
	Modified int `json:"modified"` // matched keys with changed values
	Inserted int `json:"inserted"` // new keys
}

func (r *UpsertResult) add(r2 UpsertResult) {
	r.Matched += r2.Matched
	r.Modified += r2.Modified
	r.Inserted += r2.Inserted
}

// dedupLast keeps the last record for each key, in the order of first
// appearance.
func dedupLast(recs []db.Record, key []string) []db.Record {
	index := make(map[string]int, len(recs))
	res := make([]db.Record, 0, len(recs))
	for _, r := range recs {
		k := r.Key(key)
		if i, ok := index[k]; ok {
			res[i] = r
			continue
		}
		index[k] = len(res)
		res = append(res, r)
	}
	return res
}

// loadByKey fetches the stored rows with the keys of recs, mapped by key.
func loadByKey(tx *gorm.DB, d *category.Descriptor, recs []db.Record) (map[string]db.Record, error) {
	var cond string
	var args interface{}
	if len(d.Key) == 1 {
		cond = quote(d.Key[0]) + " IN ?"
		vals := make([]interface{}, len(recs))
		for i, r := range recs {
			vals[i] = r[d.Key[0]]
		}
		args = vals
	} else {
		cond = "(" + quoteAll(d.Key) + ") IN ?"
		vals := make([][]interface{}, len(recs))
		for i, r := range recs {
			row := make([]interface{}, len(d.Key))
			for j, k := range d.Key {
				row[j] = r[k]
			}
			vals[i] = row
		}
		args = vals
	}
	var rows []map[string]interface{}
	if err := tx.Table(d.Table).Where(cond, args).Find(&rows).Error; err != nil {
		return nil, err
	}
	res := make(map[string]db.Record, len(rows))
	for _, row := range rows {
		r := db.Record(row)
		res[r.Key(d.Key)] = r
	}
	return res, nil
}

// sameValues compares the synced non-key values, ignoring the timestamp.
func sameValues(d *category.Descriptor, stored, r db.Record) bool {
	for _, c := range d.ValueColumns() {
		if db.ValueString(stored[c]) != db.ValueString(r[c]) {
			return false
		}
	}
	return true
}

// Upsert writes the records keyed by the category's composite key: new keys
// are inserted, existing ones are overwritten only when their values
// changed. Writing the same records again modifies nothing.
//
// Records are written in batches, each in its own transaction. On error, the
// counts of the batches already committed are returned along with the error.
func (s *Store) Upsert(ctx context.Context, d *category.Descriptor, recs []db.Record) (UpsertResult, error) {
	var res UpsertResult
	if len(recs) == 0 {
		return res, nil
	}
	if err := s.EnsureTable(ctx, d); err != nil {
		return res, err
	}
	recs = dedupLast(recs, d.Key)
	columns := append(d.Columns(), normalize.UpdatedAt)
	keyCols := make([]clause.Column, len(d.Key))
	for i, k := range d.Key {
		keyCols[i] = clause.Column{Name: k}
	}
	updates := append(d.ValueColumns(), normalize.UpdatedAt)

	for start := 0; start < len(recs); start += s.writeBatch {
		end := start + s.writeBatch
		if end > len(recs) {
			end = len(recs)
		}
		part := recs[start:end]
		var r UpsertResult
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			stored, err := loadByKey(tx, d, part)
			if err != nil {
				return errors.Annotate(err, "failed to load existing records")
			}
			var writes []map[string]interface{}
			for _, rec := range part {
				old, ok := stored[rec.Key(d.Key)]
				if ok {
					r.Matched++
					if sameValues(d, old, rec) {
						continue
					}
					r.Modified++
				} else {
					r.Inserted++
				}
				row := make(map[string]interface{}, len(columns))
				for _, c := range columns {
					row[c] = rec[c]
				}
				writes = append(writes, row)
			}
			if len(writes) == 0 {
				return nil
			}
			return tx.Table(d.Table).Clauses(clause.OnConflict{
				Columns:   keyCols,
				DoUpdates: clause.AssignmentColumns(updates),
			}).Create(&writes).Error
		})
		if err != nil {
			return res, errors.Annotate(err, "failed to upsert %s records [%d..%d)",
				d.Name, start, end)
		}
		res.add(r)
	}
	logging.Debugf(ctx, "store: %s upsert: matched=%d modified=%d inserted=%d",
		d.Name, res.Matched, res.Modified, res.Inserted)
	return res, nil
}

// Count the records of the category whose field equals value.
func (s *Store) Count(ctx context.Context, d *category.Descriptor, field string, value interface{}) (int64, error) {
	if err := s.EnsureTable(ctx, d); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.WithContext(ctx).Table(d.Table).
		Where(quote(field)+" = ?", value).Count(&n).Error
	if err != nil {
		return 0, errors.Annotate(err, "failed to count %s records", d.Name)
	}
	return n, nil
}

// Symbols returns the sorted symbol universe from the stock info table.
func (s *Store) Symbols(ctx context.Context) ([]string, error) {
	d, err := category.Get(category.StockInfo)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureTable(ctx, d); err != nil {
		return nil, err
	}
	var symbols []string
	err = s.db.WithContext(ctx).Table(d.Table).Order(quote("symbol")).
		Pluck("symbol", &symbols).Error
	if err != nil {
		return nil, errors.Annotate(err, "failed to list symbols")
	}
	return symbols, nil
}

// SetIndexComponent overwrites the index membership classification of all
// the stock info records. Symbols absent from the map are classified as
// members of no index, i.e. "000".
func (s *Store) SetIndexComponent(ctx context.Context, components map[string]string) error {
	d, err := category.Get(category.StockInfo)
	if err != nil {
		return err
	}
	if err := s.EnsureTable(ctx, d); err != nil {
		return err
	}
	bySymbols := make(map[string][]string)
	for sym, c := range components {
		bySymbols[c] = append(bySymbols[c], sym)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Table(d.Table).Where("1 = 1").
			Update("index_component", "000").Error
		if err != nil {
			return errors.Annotate(err, "failed to reset index membership")
		}
		for c, symbols := range bySymbols {
			for start := 0; start < len(symbols); start += s.writeBatch {
				end := start + s.writeBatch
				if end > len(symbols) {
					end = len(symbols)
				}
				err := tx.Table(d.Table).Where(quote("symbol")+" IN ?", symbols[start:end]).
					Update("index_component", c).Error
				if err != nil {
					return errors.Annotate(err, "failed to set index membership %s", c)
				}
			}
		}
		return nil
	})
}

// ChunkQuery selects the records of a date-ranged category.
type ChunkQuery struct {
	Start          db.Date
	End            db.Date
	Symbols        []string // nil = all symbols
	Fields         []string // nil = all fields; key fields are always added
	IndexComponent string   // "" = no index membership filter
	ExcludeST      bool
	BatchSize      int // rows per round trip
}

// selectColumns validates the requested fields and adds the key fields.
func selectColumns(d *category.Descriptor, fields []string) ([]string, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	cols := append([]string{}, d.Key...)
	for _, f := range fields {
		if f == normalize.UpdatedAt {
			cols = append(cols, f)
			continue
		}
		if _, ok := d.Column(f); !ok {
			return nil, errors.Reason("unknown %s field '%s'", d.Name, f)
		}
		if !d.IsKey(f) {
			cols = append(cols, f)
		}
	}
	return cols, nil
}

// ReadChunk reads the records within the inclusive date range of the query,
// paging through the result BatchSize rows at a time.
func (s *Store) ReadChunk(ctx context.Context, d *category.Descriptor, q ChunkQuery) ([]db.Record, error) {
	if !d.Ranged() {
		return nil, errors.Reason("category %s is not date-ranged", d.Name)
	}
	cols, err := selectColumns(d, q.Fields)
	if err != nil {
		return nil, err
	}
	info, err := category.Get(category.StockInfo)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureTable(ctx, d); err != nil {
		return nil, err
	}
	if q.IndexComponent != "" || q.ExcludeST {
		if err := s.EnsureTable(ctx, info); err != nil {
			return nil, err
		}
	}
	batch := q.BatchSize
	if batch <= 0 {
		batch = DefaultWriteBatch
	}
	order := make([]string, len(d.Key))
	for i, k := range d.Key {
		order[i] = quote(k)
	}

	query := func() *gorm.DB {
		tx := s.db.WithContext(ctx).Table(d.Table)
		if cols != nil {
			tx = tx.Select(cols)
		}
		if q.Start == q.End {
			tx = tx.Where(quote(d.DateField)+" = ?", q.Start.String())
		} else {
			tx = tx.Where(quote(d.DateField)+" BETWEEN ? AND ?",
				q.Start.String(), q.End.String())
		}
		if len(q.Symbols) > 0 {
			tx = tx.Where(quote("symbol")+" IN ?", q.Symbols)
		}
		if q.IndexComponent != "" || q.ExcludeST {
			sub := s.db.Table(info.Table).Select("symbol")
			if q.IndexComponent != "" {
				sub = sub.Where(quote("index_component")+" = ?", q.IndexComponent)
			}
			if q.ExcludeST {
				sub = sub.Where(quote("name")+" NOT LIKE ?", "%ST%")
			}
			tx = tx.Where(quote("symbol")+" IN (?)", sub)
		}
		return tx.Order(strings.Join(order, ", "))
	}

	var res []db.Record
	for offset := 0; ; offset += batch {
		if err := ctx.Err(); err != nil {
			return nil, errors.Annotate(err, "ReadChunk interrupted")
		}
		var rows []map[string]interface{}
		if err := query().Limit(batch).Offset(offset).Find(&rows).Error; err != nil {
			return nil, errors.Annotate(err, "failed to read %s [%s..%s]",
				d.Name, q.Start, q.End)
		}
		for _, r := range rows {
			res = append(res, db.Record(r))
		}
		if len(rows) < batch {
			break
		}
	}
	return res, nil
}

// Checkpoint is the last successfully synced date of a category.
type Checkpoint struct {
	Category       string    `gorm:"primaryKey;size:64" json:"category"`
	LastSyncedDate string    `gorm:"size:8;not null" json:"last_synced_date"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
}

// TableName implements gorm's tabler.
func (Checkpoint) TableName() string { return "sync_checkpoints" }

// GetCheckpoint returns the checkpoint of the category, or nil if the
// category has never been synced.
func (s *Store) GetCheckpoint(ctx context.Context, name category.Name) (*Checkpoint, error) {
	var cps []Checkpoint
	err := s.db.WithContext(ctx).Where("category = ?", string(name)).Limit(1).Find(&cps).Error
	if err != nil {
		return nil, errors.Annotate(err, "failed to read checkpoint for %s", name)
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return &cps[0], nil
}

// SetCheckpoint creates or updates the checkpoint of the category.
func (s *Store) SetCheckpoint(ctx context.Context, name category.Name, date db.Date) error {
	cp := Checkpoint{
		Category:       string(name),
		LastSyncedDate: date.String(),
		UpdatedAt:      clock.Now(ctx).UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "category"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_synced_date", "updated_at"}),
	}).Create(&cp).Error
	if err != nil {
		return errors.Annotate(err, "failed to write checkpoint for %s", name)
	}
	return nil
}

// ListCheckpoints returns all the checkpoints ordered by category.
func (s *Store) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	var cps []Checkpoint
	if err := s.db.WithContext(ctx).Order("category").Find(&cps).Error; err != nil {
		return nil, errors.Annotate(err, "failed to list checkpoints")
	}
	return cps, nil
}
