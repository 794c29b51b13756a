package ingest

import (
	"net/url"
	"strings"
)

// NormalizeDomain reduces user input ("https://www.Example.com/about") to a
// bare lowercase host ("example.com"). It returns a validation error for
// inputs that do not contain a plausible hostname.
func NormalizeDomain(input string) (string, error) {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return "", NewError(KindValidation, "domain is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Hostname() == "" {
		return "", NewError(KindValidation, "invalid domain %q", input)
	}
	host := strings.TrimPrefix(parsed.Hostname(), "www.")
	if !strings.Contains(host, ".") {
		return "", NewError(KindValidation, "invalid domain %q", input)
	}
	return host, nil
}

// DomainURL converts a normalized domain into the URL the scrape engine loads.
func DomainURL(domain string) string {
	return "https://" + domain
}

// ValidateSourceURL checks that a maps/profile URL is absolute http(s).
func ValidateSourceURL(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", NewError(KindValidation, "source url is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", NewError(KindValidation, "invalid source url %q", input)
	}
	return trimmed, nil
}
