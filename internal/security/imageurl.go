package security

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// ErrUnsafeImageURL is returned for an image URL a provider must not fetch.
var ErrUnsafeImageURL = errors.New("security: image url not allowed")

const maxImageURLLength = 2048

// internalSuffixes name hosts that only resolve inside a private network.
var internalSuffixes = []string{".localhost", ".local", ".internal", ".lan"}

// ValidateImageURL checks a caller-supplied source image before it is passed
// to a generation provider, which fetches it from inside our network. Only
// absolute http(s) URLs naming a public host are accepted. Hostnames are not
// resolved here; the provider's egress policy covers DNS rebinding.
func ValidateImageURL(raw string) error {
	if len(raw) > maxImageURLLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrUnsafeImageURL, maxImageURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: malformed", ErrUnsafeImageURL)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrUnsafeImageURL)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in url", ErrUnsafeImageURL)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrUnsafeImageURL)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr.Unmap())
	}
	labels := strings.Split(host, ".")
	tld := labels[len(labels)-1]
	if len(labels) < 2 || tld == "" {
		return fmt.Errorf("%w: host %q is not public", ErrUnsafeImageURL, host)
	}
	// Shorthand like 127.1 or 0x7f.1 is read as IPv4 by some resolvers, and
	// no public top-level domain starts with a digit.
	if tld[0] >= '0' && tld[0] <= '9' {
		return fmt.Errorf("%w: numeric host %q", ErrUnsafeImageURL, host)
	}
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(host, suffix) {
			return fmt.Errorf("%w: host %q is not public", ErrUnsafeImageURL, host)
		}
	}
	return nil
}

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

func checkAddr(a netip.Addr) error {
	switch {
	case a.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrUnsafeImageURL)
	case a.IsPrivate(), sharedAddressSpace.Contains(a):
		return fmt.Errorf("%w: private address", ErrUnsafeImageURL)
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrUnsafeImageURL)
	case a.IsUnspecified(), a.IsMulticast():
		return fmt.Errorf("%w: non-unicast address", ErrUnsafeImageURL)
	}
	return nil
}
