package shortener

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Schemes that must never be shortened, checked as prefixes of the raw
// input so "javascript:alert(1)" is caught before parsing.
//
//nolint:gochecknoglobals
var forbiddenSchemePrefixes = []string{
	"javascript", "data", "file", "about", "vbscript", "mailto", "tel",
}

// validateRaw is the default create-time validation hook. A nil forbidden
// list selects the package defaults.
func validateRaw(raw string, maxLength int, forbidden []string) error {
	trimmed := strings.TrimSpace(raw)

	if trimmed == "" {
		return fmt.Errorf("%w: url is blank", ErrInvalidURL)
	}

	if len(raw) > maxLength {
		return fmt.Errorf("%w: url exceeds %d characters", ErrInvalidURL, maxLength)
	}

	if forbidden == nil {
		forbidden = forbiddenSchemePrefixes
	}

	lower := strings.ToLower(trimmed)
	for _, scheme := range forbidden {
		if strings.HasPrefix(lower, scheme+":") {
			return fmt.Errorf("%w: scheme %q is not allowed", ErrInvalidURL, scheme)
		}
	}

	if strings.HasPrefix(trimmed, "//") {
		return fmt.Errorf("%w: protocol-relative urls are not allowed", ErrInvalidURL)
	}

	return nil
}

// normalize turns the raw input into the canonical form stored and compared
// for deduplication: an absolute http(s) URL with lowercased scheme and
// host. Schemeless inputs default to https. The hostname is returned for
// the private-address check.
func normalize(raw string, maxLength int) (string, string, error) {
	s := strings.TrimSpace(raw)

	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", fmt.Errorf("%w: scheme %q is not allowed", ErrInvalidURL, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return "", "", fmt.Errorf("%w: host is empty", ErrInvalidURL)
	}

	if strings.Contains(host, "..") {
		return "", "", fmt.Errorf("%w: malformed host %q", ErrInvalidURL, host)
	}

	if len(u.Path) > maxLength {
		return "", "", fmt.Errorf("%w: path exceeds %d characters", ErrInvalidURL, maxLength)
	}

	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)

	return u.String(), host, nil
}

// validatePublicHost rejects hosts that point into private address space.
// Literal IPs are checked directly; names are resolved when possible, and a
// failed resolution is not an error here (the redirect target may be behind
// split DNS).
func validatePublicHost(host string) error {
	h := strings.ToLower(host)

	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return fmt.Errorf("%w: host %q is not allowed", ErrInvalidURL, host)
	}

	if ip := net.ParseIP(h); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("%w: host %q is not allowed", ErrInvalidURL, host)
		}

		return nil
	}

	ips, err := net.LookupIP(h)
	if err != nil {
		return nil
	}

	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("%w: host %q resolves to a private address", ErrInvalidURL, host)
		}
	}

	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// validateRedirectTarget is the default redirect-time validation hook. The
// stored URL passed create-time validation, so this focuses on what can
// change after the fact: the scheme contract and the domain blacklist.
func validateRedirectTarget(target string, blacklist []string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q is not allowed", ErrInvalidURL, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidURL)
	}

	for _, domain := range blacklist {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return fmt.Errorf("%w: domain %q is blocked", ErrInvalidURL, domain)
		}
	}

	return nil
}
