package model

import "time"

// SubscriptionStatus is the backend-validated state of a subscription.
type SubscriptionStatus string

const (
	StatusTrial    SubscriptionStatus = "trial"
	StatusIntro    SubscriptionStatus = "intro"
	StatusPromo    SubscriptionStatus = "promo"
	StatusRegular  SubscriptionStatus = "regular"
	StatusGrace    SubscriptionStatus = "grace"
	StatusRefunded SubscriptionStatus = "refunded"
	StatusExpired  SubscriptionStatus = "expired"
)

// Active reports whether the status grants access.
func (s SubscriptionStatus) Active() bool {
	switch s {
	case StatusTrial, StatusIntro, StatusPromo, StatusRegular, StatusGrace:
		return true
	default:
		return false
	}
}

// Subscription is an auto-renewable subscription as validated by the backend.
type Subscription struct {
	ProductID               string             `json:"product_id"`
	Status                  SubscriptionStatus `json:"status"`
	ExpiresAt               time.Time          `json:"expires_at"`
	StartedAt               time.Time          `json:"started_at"`
	CanceledAt              *time.Time         `json:"canceled_at,omitempty"`
	IsAutorenewEnabled      bool               `json:"autorenew_enabled"`
	IsIntroductoryActivated bool               `json:"introductory_activated"`
	GroupID                 string             `json:"group_id,omitempty"`
}

// IsActive is true iff the status is trial, intro, promo, regular or grace.
// ExpiresAt is never consulted.
func (s Subscription) IsActive() bool {
	return s.Status.Active()
}

// NonRenewingPurchaseGrace absorbs the window between a refund being issued
// and the purchase being reported canceled on another device.
const NonRenewingPurchaseGrace = time.Minute

// NonRenewingPurchase is a consumable or non-consumable purchase.
type NonRenewingPurchase struct {
	ProductID   string     `json:"product_id"`
	PurchasedAt time.Time  `json:"purchased_at"`
	CanceledAt  *time.Time `json:"canceled_at,omitempty"`
}

// IsActive reports whether the purchase is not canceled as of now. A
// cancellation stamped less than NonRenewingPurchaseGrace ago still counts
// as active.
func (p NonRenewingPurchase) IsActive(now time.Time) bool {
	if p.CanceledAt == nil {
		return true
	}
	return now.Before(p.CanceledAt.Add(NonRenewingPurchaseGrace))
}
