package model

// User is the backend's customer record.
//
// A User is replaced wholesale on every successful registration or receipt
// submission; it is never merged field-by-field.
type User struct {
	UserID               string                `json:"user_id"`
	CountryCode          string                `json:"country_code,omitempty"`
	CurrencyCode         string                `json:"currency_code,omitempty"`
	Subscriptions        []Subscription        `json:"subscriptions"`
	NonRenewingPurchases []NonRenewingPurchase `json:"purchases"`
}

// HasPurchases reports whether the user has any purchase history.
func (u *User) HasPurchases() bool {
	if u == nil {
		return false
	}
	return len(u.Subscriptions) > 0 || len(u.NonRenewingPurchases) > 0
}

// ActiveSubscription returns the first active subscription.
func (u *User) ActiveSubscription() (Subscription, bool) {
	if u == nil {
		return Subscription{}, false
	}
	for _, s := range u.Subscriptions {
		if s.IsActive() {
			return s, true
		}
	}
	return Subscription{}, false
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Subscriptions = append([]Subscription(nil), u.Subscriptions...)
	c.NonRenewingPurchases = append([]NonRenewingPurchase(nil), u.NonRenewingPurchases...)
	return &c
}

// Identity holds the two identifiers the engine keeps for a device.
type Identity struct {
	DeviceID string
	UserID   string
}
