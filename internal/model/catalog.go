package model

import "encoding/json"

// ProductGroupMap maps product ID to backend group ID. Products in the same
// group are mutually exclusive for eligibility purposes.
type ProductGroupMap map[string]string

// GroupOf returns the group of a product.
func (m ProductGroupMap) GroupOf(productID string) (string, bool) {
	g, ok := m[productID]
	return g, ok && g != ""
}

// SameGroup reports whether two distinct-or-equal products share a group.
func (m ProductGroupMap) SameGroup(a, b string) bool {
	ga, ok := m.GroupOf(a)
	if !ok {
		return false
	}
	gb, ok := m.GroupOf(b)
	return ok && ga == gb
}

// ProductIDs returns the map keys.
func (m ProductGroupMap) ProductIDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

// Discount describes an introductory or promotional offer.
type Discount struct {
	ID            string `json:"id,omitempty"`
	Price         string `json:"price"`
	PaymentMode   string `json:"payment_mode"`
	Period        string `json:"period"`
	NumberOfUnits int    `json:"number_of_periods"`
}

// ProductMetadata is the store's native catalog entry for a product.
type ProductMetadata struct {
	ProductID          string     `json:"product_id"`
	Price              string     `json:"price"`
	CurrencyCode       string     `json:"currency_code"`
	CountryCode        string     `json:"country_code"`
	SubscriptionPeriod string     `json:"subscription_period,omitempty"`
	StoreGroupID       string     `json:"subscription_group_id,omitempty"`
	IntroOffer         *Discount  `json:"intro_offer,omitempty"`
	Discounts          []Discount `json:"discounts,omitempty"`
}

// Product is a paywall entry, resolved against the store catalog once
// metadata is fetched.
type Product struct {
	ProductID string           `json:"product_id"`
	Name      string           `json:"name,omitempty"`
	Metadata  *ProductMetadata `json:"-"`
	// Unresolved is set when catalog resolution definitively failed.
	Unresolved bool `json:"-"`
}

// Resolved reports whether resolution has finished, successfully or not.
func (p Product) Resolved() bool {
	return p.Metadata != nil || p.Unresolved
}

// Paywall is a backend-configured ordered list of products.
type Paywall struct {
	Identifier     string          `json:"identifier"`
	Products       []Product       `json:"items"`
	ExperimentName string          `json:"experiment_name,omitempty"`
	VariationName  string          `json:"variation_name,omitempty"`
	JSON           json.RawMessage `json:"json,omitempty"`
}

// Ready reports whether every product has been resolved or has failed.
func (p Paywall) Ready() bool {
	for _, prod := range p.Products {
		if !prod.Resolved() {
			return false
		}
	}
	return true
}

// ProductIDs returns the paywall's product IDs in order.
func (p Paywall) ProductIDs() []string {
	ids := make([]string, len(p.Products))
	for i, prod := range p.Products {
		ids[i] = prod.ProductID
	}
	return ids
}
