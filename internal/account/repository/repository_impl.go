package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hookline/internal/account/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type resolver struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func Provide(p Params) domain.Resolver {
	return &resolver{
		db:    p.DB,
		log:   p.Log.Named("account.resolver"),
		genID: p.GenID,
	}
}

func (r *resolver) Resolve(ctx context.Context, provider, customerID string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	customerID = strings.TrimSpace(customerID)
	if provider == "" || customerID == "" {
		return "", nil
	}

	var accountKey string
	err := r.db.WithContext(ctx).Raw(
		`SELECT account_key
		 FROM customer_accounts
		 WHERE provider = ? AND customer_id = ?
		 LIMIT 1`,
		provider,
		customerID,
	).Scan(&accountKey).Error
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(accountKey), nil
}

func (r *resolver) Learn(ctx context.Context, provider, customerID, accountKey string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	customerID = strings.TrimSpace(customerID)
	accountKey = strings.TrimSpace(accountKey)
	if provider == "" || customerID == "" || accountKey == "" {
		return nil
	}

	return r.db.WithContext(ctx).Exec(
		`INSERT INTO customer_accounts (id, provider, customer_id, account_key, created_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (provider, customer_id) DO NOTHING`,
		r.genID.Generate(),
		provider,
		customerID,
		accountKey,
	).Error
}
