package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hookline/internal/webhook/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, record *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO processed_events (
			id, provider, event_id, event_type, customer_id, external_id,
			payload, occurred_at, received_at, processed_at, outcome,
			skip_reason, last_error, attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		record.ID,
		record.Provider,
		record.EventID,
		record.EventType,
		record.CustomerID,
		record.ExternalID,
		record.Payload,
		record.OccurredAt,
		record.ReceivedAt,
		record.ProcessedAt,
		record.Outcome,
		record.SkipReason,
		record.LastError,
		record.Attempts,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, event_id, event_type, customer_id, external_id,
			payload, occurred_at, received_at, processed_at, outcome,
			skip_reason, last_error, attempts
		 FROM processed_events
		 WHERE provider = ? AND event_id = ?
		 LIMIT 1`,
		provider,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, event_id, event_type, customer_id, external_id,
			payload, occurred_at, received_at, processed_at, outcome,
			skip_reason, last_error, attempts
		 FROM processed_events
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome, skipReason, lastError string, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE processed_events
		 SET outcome = ?, skip_reason = ?, last_error = ?, processed_at = ?,
			attempts = attempts + 1
		 WHERE id = ?`,
		outcome,
		skipReason,
		lastError,
		processedAt,
		id,
	).Error
}

func (r *repo) ListFailed(ctx context.Context, db *gorm.DB, before time.Time, maxAttempts, limit int) ([]domain.EventRecord, error) {
	var items []domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, event_id, event_type, customer_id, external_id,
			payload, occurred_at, received_at, processed_at, outcome,
			skip_reason, last_error, attempts
		 FROM processed_events
		 WHERE outcome = ? AND attempts < ? AND processed_at < ?
		 ORDER BY processed_at ASC
		 LIMIT ?`,
		domain.OutcomeFailed,
		maxAttempts,
		before,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListRecent(ctx context.Context, db *gorm.DB, limit int) ([]domain.EventRecord, error) {
	var items []domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, event_id, event_type, customer_id, external_id,
			payload, occurred_at, received_at, processed_at, outcome,
			skip_reason, last_error, attempts
		 FROM processed_events
		 ORDER BY received_at DESC
		 LIMIT ?`,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
