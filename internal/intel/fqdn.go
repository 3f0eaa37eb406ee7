package intel

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var (
	labelPattern = regexp.MustCompile(`^[a-z0-9_]([a-z0-9_-]{0,61}[a-z0-9_])?$`)
	idnaProfile  = idna.New(idna.MapForLookup(), idna.Transitional(true), idna.StrictDomainName(false))
)

// NormalizeFQDN lowercases, punycodes and validates a domain name. URLs and
// host:port forms are reduced to their hostname.
func NormalizeFQDN(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", Validationf("fqdn is required")
	}
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return "", Validationf("invalid url %q", raw)
		}
		host = u.Hostname()
	} else {
		if i := strings.IndexAny(host, "/?#"); i >= 0 {
			host = host[:i]
		}
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "*."), ".")
	if net.ParseIP(host) != nil {
		return "", Validationf("%q is an IP address, not a domain", raw)
	}
	ascii, err := idnaProfile.ToASCII(host)
	if err != nil {
		return "", Validationf("invalid domain %q", raw)
	}
	ascii = strings.ToLower(ascii)
	if len(ascii) > 253 || !strings.Contains(ascii, ".") {
		return "", Validationf("invalid domain %q", raw)
	}
	for _, label := range strings.Split(ascii, ".") {
		if !labelPattern.MatchString(label) {
			return "", Validationf("invalid domain %q", raw)
		}
	}
	return ascii, nil
}
