// Package dyntable maintains the per-runbook side table mirroring the data
// source query's projection.
package dyntable

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/runbook"
)

const (
	ColRowID       = "_row_id"
	ColMemberKey   = "_member_key"
	ColBatchTime   = "_batch_time"
	ColFirstSeenAt = "_first_seen_at"
	ColLastSeenAt  = "_last_seen_at"
	ColIsCurrent   = "_is_current"
)

var reservedColumns = map[string]bool{
	ColRowID:       true,
	ColMemberKey:   true,
	ColBatchTime:   true,
	ColFirstSeenAt: true,
	ColLastSeenAt:  true,
	ColIsCurrent:   true,
}

// Row is one upsert unit. Values are keyed by projection column; nil means
// SQL NULL. Multi-valued columns must already be normalized to JSON text.
type Row struct {
	MemberKey string
	BatchTime time.Time
	Values    map[string]*string
}

type Manager struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewManager(db *gorm.DB, baseLog *logger.Logger) *Manager {
	return &Manager{db: db, log: baseLog.With("component", "DynTableManager")}
}

// EnsureTable creates the side table if needed: the six reserved columns plus
// one TEXT column per projection column. Identifiers are validated before any
// SQL is generated; values are always bound.
func (m *Manager) EnsureTable(ctx context.Context, table string, columns []string) error {
	if err := validateIdentifiers(table, columns); err != nil {
		return err
	}
	var ddl strings.Builder
	ddl.WriteString("CREATE TABLE IF NOT EXISTS ")
	ddl.WriteString(table)
	ddl.WriteString(" (")
	if m.db.Dialector.Name() == "sqlite" {
		ddl.WriteString(ColRowID + " INTEGER PRIMARY KEY AUTOINCREMENT, ")
	} else {
		ddl.WriteString(ColRowID + " BIGSERIAL PRIMARY KEY, ")
	}
	ddl.WriteString(ColMemberKey + " TEXT NOT NULL UNIQUE, ")
	ddl.WriteString(ColBatchTime + " TIMESTAMP, ")
	ddl.WriteString(ColFirstSeenAt + " TIMESTAMP NOT NULL, ")
	ddl.WriteString(ColLastSeenAt + " TIMESTAMP NOT NULL, ")
	ddl.WriteString(ColIsCurrent + " INTEGER NOT NULL DEFAULT 1")
	for _, c := range columns {
		if reservedColumns[c] {
			continue
		}
		ddl.WriteString(", ")
		ddl.WriteString(c)
		ddl.WriteString(" TEXT")
	}
	ddl.WriteString(")")
	if err := m.db.WithContext(ctx).Exec(ddl.String()).Error; err != nil {
		return fmt.Errorf("ensure table %s: %w", table, err)
	}
	return nil
}

// UpsertRows merges the current query result into the side table. Present
// rows refresh their columns, _last_seen_at and _is_current; new rows stamp
// _first_seen_at too.
func (m *Manager) UpsertRows(ctx context.Context, table string, columns []string, rows []Row) error {
	if err := validateIdentifiers(table, columns); err != nil {
		return err
	}
	now := time.Now().UTC()
	dataCols := make([]string, 0, len(columns))
	for _, c := range columns {
		if !reservedColumns[c] {
			dataCols = append(dataCols, c)
		}
	}

	var sqlb strings.Builder
	sqlb.WriteString("INSERT INTO ")
	sqlb.WriteString(table)
	sqlb.WriteString(" (" + ColMemberKey + ", " + ColBatchTime + ", " + ColFirstSeenAt + ", " + ColLastSeenAt + ", " + ColIsCurrent)
	for _, c := range dataCols {
		sqlb.WriteString(", ")
		sqlb.WriteString(c)
	}
	sqlb.WriteString(") VALUES (?, ?, ?, ?, 1")
	sqlb.WriteString(strings.Repeat(", ?", len(dataCols)))
	sqlb.WriteString(") ON CONFLICT (" + ColMemberKey + ") DO UPDATE SET ")
	sqlb.WriteString(ColBatchTime + " = excluded." + ColBatchTime)
	sqlb.WriteString(", " + ColLastSeenAt + " = excluded." + ColLastSeenAt)
	sqlb.WriteString(", " + ColIsCurrent + " = 1")
	for _, c := range dataCols {
		sqlb.WriteString(", " + c + " = excluded." + c)
	}
	stmt := sqlb.String()

	for _, row := range rows {
		args := make([]interface{}, 0, 4+len(dataCols))
		args = append(args, row.MemberKey, row.BatchTime.UTC(), now, now)
		for _, c := range dataCols {
			if v, ok := row.Values[c]; ok && v != nil {
				args = append(args, *v)
			} else {
				args = append(args, nil)
			}
		}
		if err := m.db.WithContext(ctx).Exec(stmt, args...).Error; err != nil {
			return fmt.Errorf("upsert into %s: %w", table, err)
		}
	}
	return nil
}

// MarkMissingNotCurrent clears _is_current on every row whose member key is
// absent from the current result set.
func (m *Manager) MarkMissingNotCurrent(ctx context.Context, table string, presentKeys []string) error {
	if !runbook.SafeIdentifier(table) {
		return fmt.Errorf("unsafe table name %q", table)
	}
	if len(presentKeys) == 0 {
		return m.db.WithContext(ctx).
			Exec("UPDATE "+table+" SET "+ColIsCurrent+" = 0 WHERE "+ColIsCurrent+" = 1").Error
	}
	return m.db.WithContext(ctx).
		Exec("UPDATE "+table+" SET "+ColIsCurrent+" = 0 WHERE "+ColIsCurrent+" = 1 AND "+ColMemberKey+" NOT IN ?", presentKeys).Error
}

// CurrentKeys returns the member keys currently flagged _is_current = 1.
func (m *Manager) CurrentKeys(ctx context.Context, table string) ([]string, error) {
	if !runbook.SafeIdentifier(table) {
		return nil, fmt.Errorf("unsafe table name %q", table)
	}
	var keys []string
	err := m.db.WithContext(ctx).
		Raw("SELECT " + ColMemberKey + " FROM " + table + " WHERE " + ColIsCurrent + " = 1").
		Scan(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func validateIdentifiers(table string, columns []string) error {
	if !runbook.SafeIdentifier(table) {
		return fmt.Errorf("unsafe table name %q", table)
	}
	for _, c := range columns {
		if !runbook.SafeIdentifier(c) {
			return fmt.Errorf("unsafe column name %q", c)
		}
	}
	return nil
}
