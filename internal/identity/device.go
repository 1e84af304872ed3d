package identity

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/roach88/subsync/internal/api"
)

// DeviceInfo describes the host device. It is sent with every registration.
type DeviceInfo struct {
	Locale        string `yaml:"locale"`
	TimeZone      string `yaml:"time_zone"`
	Platform      string `yaml:"platform"`
	AppVersion    string `yaml:"app_version"`
	SDKVersion    string `yaml:"sdk_version"`
	OSVersion     string `yaml:"os_version"`
	CountryCode   string `yaml:"country_code"`
	AdvertisingID string `yaml:"advertising_id"`
}

// Params returns the request parameters, deriving the country from the
// locale when none is set.
func (d DeviceInfo) Params() api.DeviceParams {
	country := d.CountryCode
	if country == "" {
		country = CountryFromLocale(d.Locale)
	}
	return api.DeviceParams{
		Locale:        d.Locale,
		TimeZone:      d.TimeZone,
		Platform:      d.Platform,
		AppVersion:    d.AppVersion,
		SDKVersion:    d.SDKVersion,
		OSVersion:     d.OSVersion,
		CountryCode:   country,
		AdvertisingID: d.AdvertisingID,
	}
}

// CountryFromLocale returns the ISO 3166 region of a locale such as "en_US"
// or "pt-BR". Returns "" unless the locale names a region explicitly.
func CountryFromLocale(locale string) string {
	if locale == "" {
		return ""
	}
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return ""
	}
	region, conf := tag.Region()
	if conf != language.Exact {
		return ""
	}
	return region.String()
}
