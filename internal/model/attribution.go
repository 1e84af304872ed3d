package model

import "fmt"

// Provider identifies an attribution source.
type Provider string

const (
	ProviderAppsFlyer Provider = "appsflyer"
	ProviderAdjust    Provider = "adjust"
	ProviderAppleAds  Provider = "apple_ads"
	ProviderFirebase  Provider = "firebase"
)

// AttributionPayload is the closed union of provider payloads:
// AppsFlyer | Adjust | AppleAds | Firebase.
type AttributionPayload interface {
	Provider() Provider
	// Fields returns the provider-specific request fields.
	Fields() map[string]any
	attribution()
}

// AppsFlyer carries the AppsFlyer UID and conversion data.
type AppsFlyer struct {
	UID  string
	Data map[string]any
}

func (AppsFlyer) Provider() Provider { return ProviderAppsFlyer }
func (AppsFlyer) attribution()       {}

// Fields implements AttributionPayload.
func (a AppsFlyer) Fields() map[string]any {
	f := map[string]any{"appsflyer_id": a.UID}
	if len(a.Data) > 0 {
		f["appsflyer_data"] = a.Data
	}
	return f
}

// Adjust carries the Adjust device identifier and attribution.
type Adjust struct {
	ADID string
	Data map[string]any
}

func (Adjust) Provider() Provider { return ProviderAdjust }
func (Adjust) attribution()       {}

// Fields implements AttributionPayload.
func (a Adjust) Fields() map[string]any {
	f := map[string]any{"adid": a.ADID}
	if len(a.Data) > 0 {
		f["adjust_data"] = a.Data
	}
	return f
}

// AppleAds carries the AdServices attribution token.
type AppleAds struct {
	Token string
}

func (AppleAds) Provider() Provider { return ProviderAppleAds }
func (AppleAds) attribution()       {}

// Fields implements AttributionPayload.
func (a AppleAds) Fields() map[string]any {
	return map[string]any{"search_ads_data": map[string]any{"token": a.Token}}
}

// Firebase carries the Firebase app instance ID.
type Firebase struct {
	AppInstanceID string
}

func (Firebase) Provider() Provider { return ProviderFirebase }
func (Firebase) attribution()       {}

// Fields implements AttributionPayload.
func (f Firebase) Fields() map[string]any {
	return map[string]any{"firebase_id": f.AppInstanceID}
}

// NewAttributionPayload builds the payload for provider from its primary
// identifier. data is conversion data for AppsFlyer and Adjust and is
// ignored by the other providers.
func NewAttributionPayload(provider Provider, id string, data map[string]any) (AttributionPayload, error) {
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}
	switch provider {
	case ProviderAppsFlyer:
		return AppsFlyer{UID: id, Data: data}, nil
	case ProviderAdjust:
		return Adjust{ADID: id, Data: data}, nil
	case ProviderAppleAds:
		return AppleAds{Token: id}, nil
	case ProviderFirebase:
		return Firebase{AppInstanceID: id}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q (valid: appsflyer, adjust, apple_ads, firebase)", provider)
	}
}
