package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hookline/internal/entitlement/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	GenID *snowflake.Node
}

type repo struct {
	genID *snowflake.Node
}

func Provide(p Params) domain.Repository {
	return &repo{genID: p.GenID}
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, accountKey string) (*domain.AccountEntitlement, error) {
	accountKey = strings.TrimSpace(accountKey)
	if accountKey == "" {
		return nil, domain.ErrInvalidAccountKey
	}

	var item domain.AccountEntitlement
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_key, is_paid, subscription_id, status,
			seats_used, seats_included, last_event_at, last_event_id,
			created_at, updated_at
		 FROM account_entitlements
		 WHERE account_key = ?
		 LIMIT 1`,
		accountKey,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, domain.ErrEntitlementNotFound
	}
	return &item, nil
}

// Apply creates the row lazily, then expresses the monotonic-time invariant
// as the UPDATE's WHERE clause so racing events for the same account cannot
// lose writes: the stale one simply matches zero rows.
func (r *repo) Apply(ctx context.Context, db *gorm.DB, accountKey string, change domain.Change, eventAt time.Time, eventID string) (bool, error) {
	accountKey = strings.TrimSpace(accountKey)
	if accountKey == "" {
		return false, domain.ErrInvalidAccountKey
	}

	now := time.Now().UTC()
	seeded := seedRow(accountKey, change, eventAt, eventID)
	seeded.ID = r.genID.Generate()
	seeded.CreatedAt = now
	seeded.UpdatedAt = now

	res := db.WithContext(ctx).Exec(
		`INSERT INTO account_entitlements (
			id, account_key, is_paid, subscription_id, status,
			seats_used, seats_included, last_event_at, last_event_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_key) DO NOTHING`,
		seeded.ID,
		seeded.AccountKey,
		seeded.IsPaid,
		seeded.SubscriptionID,
		seeded.Status,
		seeded.SeatsUsed,
		seeded.SeatsIncluded,
		seeded.LastEventAt,
		seeded.LastEventID,
		seeded.CreatedAt,
		seeded.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	sets := []string{"last_event_at = ?", "last_event_id = ?", "updated_at = ?"}
	args := []any{eventAt, eventID, now}
	if change.IsPaid != nil {
		sets = append(sets, "is_paid = ?")
		args = append(args, *change.IsPaid)
	}
	if change.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *change.Status)
	}
	switch {
	case change.ClearSubscriptionID:
		sets = append(sets, "subscription_id = NULL")
	case change.SubscriptionID != nil:
		sets = append(sets, "subscription_id = ?")
		args = append(args, *change.SubscriptionID)
	}
	if change.SeatsUsed != nil {
		sets = append(sets, "seats_used = ?")
		args = append(args, *change.SeatsUsed)
	}
	if change.SeatsIncluded != nil {
		sets = append(sets, "seats_included = ?")
		args = append(args, *change.SeatsIncluded)
	}

	args = append(args, accountKey, eventAt)
	update := db.WithContext(ctx).Exec(
		`UPDATE account_entitlements
		 SET `+strings.Join(sets, ", ")+`
		 WHERE account_key = ? AND last_event_at <= ?`,
		args...,
	)
	if update.Error != nil {
		return false, update.Error
	}
	return update.RowsAffected > 0, nil
}

func seedRow(accountKey string, change domain.Change, eventAt time.Time, eventID string) domain.AccountEntitlement {
	row := domain.AccountEntitlement{
		AccountKey:  accountKey,
		LastEventAt: eventAt,
		LastEventID: eventID,
	}
	if change.IsPaid != nil {
		row.IsPaid = *change.IsPaid
	}
	if change.Status != nil {
		row.Status = *change.Status
	}
	if change.SubscriptionID != nil && !change.ClearSubscriptionID {
		row.SubscriptionID = change.SubscriptionID
	}
	row.SeatsUsed = change.SeatsUsed
	row.SeatsIncluded = change.SeatsIncluded
	return row
}
