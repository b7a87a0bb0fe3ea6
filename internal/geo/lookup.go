// Package geo resolves request IPs to a coarse location string. Lookups are
// best-effort enrichment: every failure degrades to "unknown".
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Unknown is the location recorded when lookup is disabled or fails.
const Unknown = "unknown"

// Lookup queries an external IP-geolocation HTTP service.
type Lookup struct {
	baseURL string
	enabled bool
	client  *http.Client
	log     zerolog.Logger
}

// NewLookup creates a geo lookup client. When enabled is false, Locate always
// returns Unknown without a network call.
func NewLookup(baseURL string, enabled bool, logger zerolog.Logger) *Lookup {
	return &Lookup{
		baseURL: baseURL,
		enabled: enabled,
		client:  &http.Client{Timeout: 3 * time.Second},
		log:     logger,
	}
}

type lookupResponse struct {
	City    string `json:"city"`
	Region  string `json:"regionName"`
	Country string `json:"country"`
}

// Locate returns a "City, Region, Country" string for ip, or Unknown. It
// never returns an error; failures are logged at Warn and swallowed so that
// callers on the login path are not disturbed.
func (l *Lookup) Locate(ctx context.Context, ip string) string {
	if !l.enabled || ip == "" {
		return Unknown
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/"+url.PathEscape(ip), nil)
	if err != nil {
		l.log.Warn().Err(err).Msg("Geo lookup request build failed")
		return Unknown
	}

	resp, err := l.client.Do(req)
	if err != nil {
		l.log.Warn().Err(err).Msg("Geo lookup failed")
		return Unknown
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		l.log.Warn().Int("status", resp.StatusCode).Msg("Geo lookup returned non-OK status")
		return Unknown
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		l.log.Warn().Err(err).Msg("Geo lookup decode failed")
		return Unknown
	}

	loc := formatLocation(body)
	if loc == "" {
		return Unknown
	}
	return loc
}

func formatLocation(r lookupResponse) string {
	switch {
	case r.City != "" && r.Country != "":
		if r.Region != "" && r.Region != r.City {
			return fmt.Sprintf("%s, %s, %s", r.City, r.Region, r.Country)
		}
		return fmt.Sprintf("%s, %s", r.City, r.Country)
	case r.Country != "":
		return r.Country
	default:
		return ""
	}
}
