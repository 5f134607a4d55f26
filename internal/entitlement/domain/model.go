// Package domain contains the local entitlement projection mutated only by
// the reconciler.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Provider subscription statuses that grant paid access.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusCanceled = "canceled"
)

var (
	ErrEntitlementNotFound = errors.New("entitlement_not_found")
	ErrInvalidAccountKey   = errors.New("invalid_account_key")
)

// IsPaidStatus reports whether a provider status grants paid access.
func IsPaidStatus(status string) bool {
	switch status {
	case StatusActive, StatusTrialing:
		return true
	default:
		return false
	}
}

// AccountEntitlement is the per-account projection of billing state. It is
// created lazily on the first relevant event and updated in place, never
// regressing behind the newest applied event time.
type AccountEntitlement struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	AccountKey     string       `json:"account_key" gorm:"type:text;not null;uniqueIndex:ux_account_entitlements_account_key"`
	IsPaid         bool         `json:"is_paid" gorm:"not null;default:false"`
	SubscriptionID *string      `json:"subscription_id" gorm:"type:text"`
	Status         string       `json:"status" gorm:"type:text;not null;default:''"`
	SeatsUsed      *int         `json:"seats_used"`
	SeatsIncluded  *int         `json:"seats_included"`
	LastEventAt    time.Time    `json:"last_event_at" gorm:"not null"`
	LastEventID    string       `json:"last_event_id" gorm:"type:text;not null;default:''"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AccountEntitlement) TableName() string { return "account_entitlements" }

// Change describes the fields a transition overwrites. Nil fields are left
// untouched by the conditional update.
type Change struct {
	IsPaid              *bool
	Status              *string
	SubscriptionID      *string
	ClearSubscriptionID bool
	SeatsUsed           *int
	SeatsIncluded       *int
}

// Empty reports whether the change mutates nothing.
func (c Change) Empty() bool {
	return c.IsPaid == nil &&
		c.Status == nil &&
		c.SubscriptionID == nil &&
		!c.ClearSubscriptionID &&
		c.SeatsUsed == nil &&
		c.SeatsIncluded == nil
}

// Repository persists the projection. Apply must be a single conditional
// write: it reports false when the event is older than state already applied.
type Repository interface {
	Get(ctx context.Context, db *gorm.DB, accountKey string) (*AccountEntitlement, error)
	Apply(ctx context.Context, db *gorm.DB, accountKey string, change Change, eventAt time.Time, eventID string) (bool, error)
}

// Service reconciles billing events into the projection.
type Service interface {
	Get(ctx context.Context, accountKey string) (*AccountEntitlement, error)
	Refresh(ctx context.Context, accountKey string) (*AccountEntitlement, error)
}
