package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Domain prefixes for entity signatures.
const (
	DomainSubscription        = "subsync/subscription/v1"
	DomainNonRenewingPurchase = "subsync/purchase/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func stamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Signature covers status, expiry, autorenew and product ID.
func (s Subscription) Signature() (string, error) {
	obj := map[string]any{
		"product_id": s.ProductID,
		"status":     string(s.Status),
		"expires_at": stamp(&s.ExpiresAt),
		"autorenew":  s.IsAutorenewEnabled,
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("subscription signature: %w", err)
	}
	return hashWithDomain(DomainSubscription, data), nil
}

// Signature covers product ID, purchase and cancellation time.
func (p NonRenewingPurchase) Signature() (string, error) {
	obj := map[string]any{
		"product_id":   p.ProductID,
		"purchased_at": stamp(&p.PurchasedAt),
		"canceled_at":  stamp(p.CanceledAt),
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("purchase signature: %w", err)
	}
	return hashWithDomain(DomainNonRenewingPurchase, data), nil
}

// SubscriptionsSignature returns the order-independent signature set of a
// subscription list.
func SubscriptionsSignature(subs []Subscription) ([]string, error) {
	sigs := make([]string, 0, len(subs))
	for _, s := range subs {
		sig, err := s.Signature()
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)
	return sigs, nil
}

// PurchasesSignature returns the order-independent signature set of a
// non-renewing purchase list.
func PurchasesSignature(purchases []NonRenewingPurchase) ([]string, error) {
	sigs := make([]string, 0, len(purchases))
	for _, p := range purchases {
		sig, err := p.Signature()
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)
	return sigs, nil
}
