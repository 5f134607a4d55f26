// Package domain defines the provider-customer to local-account directory.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CustomerAccount maps a billing provider's customer id to the consuming
// application's own account key. Rows are learned lazily from events that
// carry both identifiers.
type CustomerAccount struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	Provider   string       `gorm:"type:text;not null;uniqueIndex:ux_customer_accounts_provider_customer,priority:1"`
	CustomerID string       `gorm:"type:text;not null;uniqueIndex:ux_customer_accounts_provider_customer,priority:2"`
	AccountKey string       `gorm:"type:text;not null;index"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CustomerAccount) TableName() string { return "customer_accounts" }

// Resolver looks up and learns customer-to-account mappings.
type Resolver interface {
	// Resolve returns the local account key for a provider customer, or
	// empty when unknown.
	Resolve(ctx context.Context, provider, customerID string) (string, error)
	// Learn records a mapping observed on an inbound event. Re-learning an
	// existing mapping is a no-op.
	Learn(ctx context.Context, provider, customerID, accountKey string) error
}
