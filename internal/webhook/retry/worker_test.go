package retry_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountrepo "github.com/smallbiznis/hookline/internal/account/repository"
	"github.com/smallbiznis/hookline/internal/config"
	entitlementrepo "github.com/smallbiznis/hookline/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/hookline/internal/entitlement/service"
	"github.com/smallbiznis/hookline/internal/webhook/adapters"
	commetadapter "github.com/smallbiznis/hookline/internal/webhook/adapters/commet"
	webhookdomain "github.com/smallbiznis/hookline/internal/webhook/domain"
	"github.com/smallbiznis/hookline/internal/webhook/repository"
	"github.com/smallbiznis/hookline/internal/webhook/retry"
	webhookservice "github.com/smallbiznis/hookline/internal/webhook/service"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_retry_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE processed_events (
			id BIGINT PRIMARY KEY,
			provider TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			occurred_at DATETIME NOT NULL,
			received_at DATETIME NOT NULL,
			processed_at DATETIME,
			outcome TEXT NOT NULL DEFAULT '',
			skip_reason TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			attempts INT NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX ux_processed_events_provider_event ON processed_events(provider, event_id)`,
		`CREATE TABLE account_entitlements (
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
		)`,
		`CREATE UNIQUE INDEX ux_account_entitlements_account_key ON account_entitlements(account_key)`,
		`CREATE TABLE customer_accounts (
			id BIGINT PRIMARY KEY,
			provider TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			account_key TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX ux_customer_accounts_provider_customer ON customer_accounts(provider, customer_id)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

type fixture struct {
	db     *gorm.DB
	svc    *webhookservice.Service
	worker *retry.Worker
	repo   webhookdomain.Repository
}

// newFixture wires the pipeline with a handler that fails while *broken is
// true, so tests can flip the flag between ingest and retry.
func newFixture(t *testing.T, broken *bool) *fixture {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(9)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	resolver := accountrepo.Provide(accountrepo.Params{DB: db, Log: zap.NewNop(), GenID: node})
	entSvc := entitlementservice.NewService(entitlementservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		Repo:     entitlementrepo.Provide(entitlementrepo.Params{GenID: node}),
		Resolver: resolver,
		Policy:   config.NewStaticReconcileConfigHolder(config.DefaultReconcileConfig()),
	})

	handlers := entSvc.Handlers()
	realHandler := handlers[webhookdomain.EventTypeSubscriptionActivated]
	handlers[webhookdomain.EventTypeSubscriptionActivated] = func(ctx context.Context, event *webhookdomain.BillingEvent) error {
		if *broken {
			return errors.New("downstream unavailable")
		}
		return realHandler(ctx, event)
	}

	cfg := config.Config{
		Webhook: config.WebhookConfig{
			Secrets:                   map[string]string{"commet": testSecret},
			SignatureToleranceSeconds: 300,
		},
	}
	svc, err := webhookservice.NewService(webhookservice.Params{
		Cfg:      cfg,
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Registry: adapters.NewRegistry(commetadapter.NewFactory()),
		Repo:     repository.Provide(),
		Handlers: handlers,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	worker := retry.NewWorker(retry.Params{
		DB:      db,
		Log:     zap.NewNop(),
		Repo:    repository.Provide(),
		Policy:  config.NewStaticReconcileConfigHolder(config.DefaultReconcileConfig()),
		Service: svc,
	})

	return &fixture{db: db, svc: svc, worker: worker, repo: repository.Provide()}
}

func ingestFailingEvent(t *testing.T, f *fixture) *webhookdomain.EventRecord {
	t.Helper()
	ctx := context.Background()

	payload := []byte(`{"id":"evt_1","event":"subscription.activated","occurredAt":"2026-08-01T10:00:00Z","data":{"customerId":"cus_1","externalId":"acct_1","subscriptionId":"sub_1"}}`)
	timestamp := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testSecret))
	fmt.Fprintf(mac, "%d.%s", timestamp, payload)
	header := http.Header{}
	header.Set("Commet-Signature", fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil))))

	if err := f.svc.Ingest(ctx, "commet", payload, header); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	record, err := f.repo.FindEvent(ctx, f.db, "commet", "evt_1")
	if err != nil || record == nil {
		t.Fatalf("find event: record=%v err=%v", record, err)
	}
	if record.Outcome != webhookdomain.OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", record.Outcome)
	}
	return record
}

func backdateProcessedAt(t *testing.T, f *fixture, age time.Duration) {
	t.Helper()

	err := f.db.Exec(`UPDATE processed_events SET processed_at = ?`,
		time.Now().UTC().Add(-age)).Error
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestRunOnceRetriesFailedEvent(t *testing.T) {
	ctx := context.Background()
	broken := true
	f := newFixture(t, &broken)

	ingestFailingEvent(t, f)
	backdateProcessedAt(t, f, time.Hour)

	broken = false
	if err := f.worker.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	record, err := f.repo.FindEvent(ctx, f.db, "commet", "evt_1")
	if err != nil || record == nil {
		t.Fatalf("find event: record=%v err=%v", record, err)
	}
	if record.Outcome != webhookdomain.OutcomeApplied {
		t.Fatalf("outcome = %q, want applied after retry", record.Outcome)
	}
	if record.Attempts != 2 {
		t.Fatalf("attempts = %d", record.Attempts)
	}
}

func TestRunOnceRespectsBackoffWindow(t *testing.T) {
	ctx := context.Background()
	broken := true
	f := newFixture(t, &broken)

	ingestFailingEvent(t, f)
	// Outcome was just recorded, inside the backoff window.

	broken = false
	if err := f.worker.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	record, err := f.repo.FindEvent(ctx, f.db, "commet", "evt_1")
	if err != nil || record == nil {
		t.Fatalf("find event: record=%v err=%v", record, err)
	}
	if record.Outcome != webhookdomain.OutcomeFailed {
		t.Fatalf("outcome = %q, want untouched until backoff elapses", record.Outcome)
	}
	if record.Attempts != 1 {
		t.Fatalf("attempts = %d", record.Attempts)
	}
}

func TestRunOnceStopsAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	broken := true
	f := newFixture(t, &broken)

	ingestFailingEvent(t, f)

	maxAttempts := config.DefaultReconcileConfig().Retry.MaxAttempts
	for i := 1; i < maxAttempts; i++ {
		backdateProcessedAt(t, f, time.Hour)
		if err := f.worker.RunOnce(ctx); err != nil {
			t.Fatalf("run once %d: %v", i, err)
		}
	}

	record, err := f.repo.FindEvent(ctx, f.db, "commet", "evt_1")
	if err != nil || record == nil {
		t.Fatalf("find event: record=%v err=%v", record, err)
	}
	if record.Attempts != maxAttempts {
		t.Fatalf("attempts = %d, want %d", record.Attempts, maxAttempts)
	}

	// Exhausted events are left for manual replay.
	backdateProcessedAt(t, f, time.Hour)
	if err := f.worker.RunOnce(ctx); err != nil {
		t.Fatalf("final run once: %v", err)
	}
	record, err = f.repo.FindEvent(ctx, f.db, "commet", "evt_1")
	if err != nil || record == nil {
		t.Fatalf("find event: record=%v err=%v", record, err)
	}
	if record.Attempts != maxAttempts {
		t.Fatalf("attempts advanced past the cap: %d", record.Attempts)
	}
}
