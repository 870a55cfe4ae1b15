package dyntable

import (
	"context"
	"sort"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/platform/logger"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return NewManager(db, log)
}

func TestManagerUpsertAndSweep(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	cols := []string{"user_id", "email"}
	bt := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	if err := m.EnsureTable(ctx, "rb_test_v1", cols); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	// EnsureTable is idempotent.
	if err := m.EnsureTable(ctx, "rb_test_v1", cols); err != nil {
		t.Fatalf("EnsureTable (again): %v", err)
	}

	rows := []Row{
		{MemberKey: "u1", BatchTime: bt, Values: map[string]*string{"user_id": strp("u1"), "email": strp("u1@x.io")}},
		{MemberKey: "u2", BatchTime: bt, Values: map[string]*string{"user_id": strp("u2"), "email": nil}},
	}
	if err := m.UpsertRows(ctx, "rb_test_v1", cols, rows); err != nil {
		t.Fatalf("UpsertRows: %v", err)
	}
	keys, err := m.CurrentKeys(ctx, "rb_test_v1")
	if err != nil {
		t.Fatalf("CurrentKeys: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "u1" || keys[1] != "u2" {
		t.Fatalf("CurrentKeys = %v", keys)
	}

	// u2 disappears from the result; u1 updates.
	rows[0].Values["email"] = strp("u1@new.io")
	if err := m.UpsertRows(ctx, "rb_test_v1", cols, rows[:1]); err != nil {
		t.Fatalf("UpsertRows: %v", err)
	}
	if err := m.MarkMissingNotCurrent(ctx, "rb_test_v1", []string{"u1"}); err != nil {
		t.Fatalf("MarkMissingNotCurrent: %v", err)
	}
	keys, err = m.CurrentKeys(ctx, "rb_test_v1")
	if err != nil {
		t.Fatalf("CurrentKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "u1" {
		t.Fatalf("CurrentKeys after sweep = %v", keys)
	}

	var email string
	if err := m.db.Raw("SELECT email FROM rb_test_v1 WHERE _member_key = ?", "u1").Scan(&email).Error; err != nil {
		t.Fatalf("read back: %v", err)
	}
	if email != "u1@new.io" {
		t.Fatalf("email = %q", email)
	}
}

func TestManagerRejectsUnsafeIdentifiers(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	if err := m.EnsureTable(ctx, "rb_test_v1; DROP TABLE x", []string{"a"}); err == nil {
		t.Fatalf("EnsureTable: expected error for unsafe table name")
	}
	if err := m.EnsureTable(ctx, "rb_test_v1", []string{"a b"}); err == nil {
		t.Fatalf("EnsureTable: expected error for unsafe column name")
	}
	if err := m.MarkMissingNotCurrent(ctx, "bad-name", nil); err == nil {
		t.Fatalf("MarkMissingNotCurrent: expected error for unsafe table name")
	}
}
