package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hookline/internal/entitlement/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_ent_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	err = db.Exec(`CREATE TABLE account_entitlements (
		id BIGINT PRIMARY KEY,
		account_key TEXT NOT NULL,
		is_paid BOOLEAN NOT NULL DEFAULT FALSE,
		subscription_id TEXT,
		status TEXT NOT NULL DEFAULT '',
		seats_used INT,
		seats_included INT,
		last_event_at DATETIME NOT NULL,
		last_event_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`).Error
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	err = db.Exec(`CREATE UNIQUE INDEX ux_account_entitlements_account_key
		ON account_entitlements(account_key)`).Error
	if err != nil {
		t.Fatalf("create index: %v", err)
	}
	return db
}

func newRepo(t *testing.T) domain.Repository {
	t.Helper()

	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return Provide(Params{GenID: node})
}

func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }
func intPtr(v int) *int       { return &v }

func TestApplyCreatesRowOnFirstEvent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := newRepo(t)

	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	applied, err := repo.Apply(ctx, db, "acct_1", domain.Change{
		IsPaid:         boolPtr(true),
		Status:         strPtr("active"),
		SubscriptionID: strPtr("sub_1"),
	}, at, "evt_1")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !applied {
		t.Fatalf("expected first event to apply")
	}

	entitlement, err := repo.Get(ctx, db, "acct_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !entitlement.IsPaid || entitlement.Status != "active" {
		t.Fatalf("entitlement = %+v", entitlement)
	}
	if entitlement.LastEventID != "evt_1" {
		t.Fatalf("last event id = %q", entitlement.LastEventID)
	}
}

func TestApplyRejectsOlderEvent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := newRepo(t)

	newer := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	older := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	if _, err := repo.Apply(ctx, db, "acct_1", domain.Change{
		IsPaid: boolPtr(false),
		Status: strPtr("canceled"),
	}, newer, "evt_2"); err != nil {
		t.Fatalf("apply newer: %v", err)
	}

	applied, err := repo.Apply(ctx, db, "acct_1", domain.Change{
		IsPaid: boolPtr(true),
		Status: strPtr("active"),
	}, older, "evt_1")
	if err != nil {
		t.Fatalf("apply older: %v", err)
	}
	if applied {
		t.Fatalf("older event must not apply over newer state")
	}

	entitlement, err := repo.Get(ctx, db, "acct_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entitlement.IsPaid || entitlement.Status != "canceled" {
		t.Fatalf("entitlement = %+v", entitlement)
	}
}

func TestApplyAcceptsEqualTimestamp(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := newRepo(t)

	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if _, err := repo.Apply(ctx, db, "acct_1", domain.Change{
		Status: strPtr("active"),
	}, at, "evt_1"); err != nil {
		t.Fatalf("apply first: %v", err)
	}

	// A different event with the same timestamp still lands; same-event
	// redelivery is stopped earlier by the processed-event marker.
	applied, err := repo.Apply(ctx, db, "acct_1", domain.Change{
		SeatsUsed: intPtr(4),
	}, at, "evt_2")
	if err != nil {
		t.Fatalf("apply second: %v", err)
	}
	if !applied {
		t.Fatalf("equal-timestamp event must apply")
	}
}

func TestApplyPartialChangeLeavesOtherFields(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := newRepo(t)

	first := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if _, err := repo.Apply(ctx, db, "acct_1", domain.Change{
		IsPaid:         boolPtr(true),
		Status:         strPtr("active"),
		SubscriptionID: strPtr("sub_1"),
	}, first, "evt_1"); err != nil {
		t.Fatalf("apply first: %v", err)
	}

	second := first.Add(time.Hour)
	if _, err := repo.Apply(ctx, db, "acct_1", domain.Change{
		SeatsUsed:     intPtr(7),
		SeatsIncluded: intPtr(10),
	}, second, "evt_2"); err != nil {
		t.Fatalf("apply second: %v", err)
	}

	entitlement, err := repo.Get(ctx, db, "acct_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !entitlement.IsPaid || entitlement.Status != "active" {
		t.Fatalf("seat change must not touch paid/status: %+v", entitlement)
	}
	if entitlement.SeatsUsed == nil || *entitlement.SeatsUsed != 7 {
		t.Fatalf("seats used = %v", entitlement.SeatsUsed)
	}
	if entitlement.LastEventID != "evt_2" {
		t.Fatalf("last event id = %q", entitlement.LastEventID)
	}
}

func TestApplyClearsSubscriptionID(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := newRepo(t)

	first := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if _, err := repo.Apply(ctx, db, "acct_1", domain.Change{
		IsPaid:         boolPtr(true),
		SubscriptionID: strPtr("sub_1"),
	}, first, "evt_1"); err != nil {
		t.Fatalf("apply first: %v", err)
	}

	if _, err := repo.Apply(ctx, db, "acct_1", domain.Change{
		IsPaid:              boolPtr(false),
		Status:              strPtr("canceled"),
		ClearSubscriptionID: true,
	}, first.Add(time.Hour), "evt_2"); err != nil {
		t.Fatalf("apply cancel: %v", err)
	}

	entitlement, err := repo.Get(ctx, db, "acct_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entitlement.SubscriptionID != nil {
		t.Fatalf("subscription id = %v, want cleared", entitlement.SubscriptionID)
	}
}

func TestGetUnknownAccount(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := newRepo(t)

	if _, err := repo.Get(ctx, db, "acct_missing"); !errors.Is(err, domain.ErrEntitlementNotFound) {
		t.Fatalf("expected ErrEntitlementNotFound, got %v", err)
	}
	if _, err := repo.Get(ctx, db, "  "); !errors.Is(err, domain.ErrInvalidAccountKey) {
		t.Fatalf("expected ErrInvalidAccountKey, got %v", err)
	}
}
