package api

import "github.com/roach88/subsync/internal/model"

// DeviceParams are sent with every customer registration.
type DeviceParams struct {
	Locale        string `json:"locale"`
	TimeZone      string `json:"time_zone"`
	Platform      string `json:"platform"`
	AppVersion    string `json:"app_version"`
	SDKVersion    string `json:"sdk_version"`
	OSVersion     string `json:"os_version"`
	CountryCode   string `json:"country_iso_code,omitempty"`
	AdvertisingID string `json:"idfa,omitempty"`
}

// CustomerRequest is the body of POST /customers.
type CustomerRequest struct {
	DeviceParams
	DeviceID     string `json:"device_id"`
	UserID       string `json:"user_id,omitempty"`
	CurrencyCode string `json:"currency_code,omitempty"`
	CountryCode  string `json:"country_code,omitempty"`
}

// CustomerResult is the payload of /customers and /subscriptions responses.
type CustomerResult struct {
	model.User
	Paywalls []model.Paywall `json:"paywalls,omitempty"`
}

// ProductGroupEntry is one element of GET /products.
type ProductGroupEntry struct {
	ProductID string `json:"product_id"`
	GroupID   string `json:"group_id"`
}

// ProductsRequest is the body of PUT /products.
type ProductsRequest struct {
	DeviceID string                  `json:"device_id"`
	Products []model.ProductMetadata `json:"products"`
}

// Environment values for receipt submission.
const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

// ReceiptRequest is the body of POST /subscriptions.
type ReceiptRequest struct {
	DeviceID      string                 `json:"device_id"`
	UserID        string                 `json:"user_id,omitempty"`
	ReceiptData   string                 `json:"receipt_data"`
	Environment   string                 `json:"environment"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	ProductInfo   *model.ProductMetadata `json:"product_info,omitempty"`
	Restore       bool                   `json:"restore,omitempty"`
}

// SignOfferRequest is the body of POST /sign_offer.
type SignOfferRequest struct {
	DeviceID            string `json:"device_id"`
	ProductID           string `json:"product_id"`
	OfferID             string `json:"offer_id"`
	ApplicationUsername string `json:"application_username"`
}

// OfferSignature is the signing material returned by POST /sign_offer.
type OfferSignature struct {
	KeyID     string `json:"key_id"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// Valid reports whether every field needed to redeem the offer is present.
func (s OfferSignature) Valid() bool {
	return s.KeyID != "" && s.Nonce != "" && s.Signature != "" && s.Timestamp > 0
}

// AttributionRequest is the body of POST /customers/attribution.
type AttributionRequest struct {
	DeviceID string         `json:"device_id"`
	UserID   string         `json:"user_id,omitempty"`
	Provider model.Provider `json:"provider"`
	Fields   map[string]any `json:"-"`
}

// body flattens the provider fields into the request object.
func (r AttributionRequest) body() map[string]any {
	b := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		b[k] = v
	}
	b["device_id"] = r.DeviceID
	b["provider"] = string(r.Provider)
	if r.UserID != "" {
		b["user_id"] = r.UserID
	}
	return b
}

// Event is a fire-and-forget telemetry record for POST /events.
type Event struct {
	Name     string         `json:"name"`
	DeviceID string         `json:"device_id"`
	UserID   string         `json:"user_id,omitempty"`
	Props    map[string]any `json:"properties,omitempty"`
}
