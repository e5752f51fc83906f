package resolver

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// URL validation errors.
var (
	ErrInvalidURL = errors.New("invalid URL")
	ErrUnsafeURL  = errors.New("URL points at a local or private address")
)

// URLValidator checks that remote component URLs are fetchable and safe.
type URLValidator struct {
	AllowPrivateIPs bool
}

// NewURLValidator creates a new URLValidator.
func NewURLValidator(allowPrivateIPs bool) *URLValidator {
	return &URLValidator{
		AllowPrivateIPs: allowPrivateIPs,
	}
}

// Validate parses rawURL and checks scheme and host.
func (v *URLValidator) Validate(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(parsedURL.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}

	hostname := parsedURL.Hostname()
	if hostname == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if !v.AllowPrivateIPs && isLocalOrPrivateHost(hostname) {
		return nil, fmt.Errorf("%w: %s", ErrUnsafeURL, hostname)
	}
	return parsedURL, nil
}

// IsURL reports whether s looks like an absolute http(s) URL.
func IsURL(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isLocalOrPrivateHost(hostname string) bool {
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	if ip == nil {
		// A domain name, not an IP
		return false
	}
	return isPrivateIP(ip)
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// refusePrivateDial is a net.Dialer Control hook. It sees the resolved
// address, so it also stops host names that resolve to a private address.
func refusePrivateDial(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || isPrivateIP(ip) {
		return fmt.Errorf("%w: %s", ErrUnsafeURL, host)
	}
	return nil
}
