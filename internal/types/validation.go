package types

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateServiceURL checks that a Bot Framework service URL is an absolute
// http(s) URL. SSRF checks happen at dial time, not here.
func ValidateServiceURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%s: service url %q is not absolute", ErrCodeValidationInvalidParam, raw)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("%s: service url must use http or https", ErrCodeValidationInvalidParam)
	}
	return nil
}

// NormalizeServiceURL returns the canonical form used as a cache and trust
// key: lowercase scheme and host, no trailing slash.
func NormalizeServiceURL(raw string) string {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawPath = ""
	return parsed.String()
}

// SSRFBlockedCIDRs lists the ranges outbound delivery must never dial.
var SSRFBlockedCIDRs = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16", // cloud metadata
	"0.0.0.0/8",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"100.64.0.0/10",
	"198.18.0.0/15",
	"fc00::/7",
	"fe80::/10",
	"::1/128",
}
