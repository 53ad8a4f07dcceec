package checkmate

import (
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// ValidateURL rejects URLs that can never be proxied: unparseable ones,
// non-HTTP schemes, and hosts on the local or private network.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrBadURL, u.Scheme)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("%w: no host", ErrBadURL)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: local host %q", ErrBadURL, host)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		var ok bool
		if addr, ok = parseLegacyIPv4(host); !ok {
			// A name. Names are not resolved here.
			return nil
		}
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() {
		return fmt.Errorf("%w: private address %s", ErrBadURL, addr)
	}
	return nil
}

// parseLegacyIPv4 reads the inet_aton host forms browsers still accept:
// one to four dot-separated parts in decimal, octal (leading 0) or hex
// (leading 0x), the last part filling the remaining bytes. So 2130706433,
// 0x7f.1 and 0177.0.0.1 all name 127.0.0.1.
func parseLegacyIPv4(host string) (netip.Addr, bool) {
	parts := strings.Split(host, ".")
	if len(parts) > 4 {
		return netip.Addr{}, false
	}

	values := make([]uint64, len(parts))
	for i, part := range parts {
		base := 10
		switch {
		case len(part) > 2 && (part[:2] == "0x" || part[:2] == "0X"):
			base, part = 16, part[2:]
		case len(part) > 1 && part[0] == '0':
			base, part = 8, part[1:]
		}
		if part == "" || strings.ContainsAny(part, "+-_") {
			return netip.Addr{}, false
		}
		v, err := strconv.ParseUint(part, base, 32)
		if err != nil {
			return netip.Addr{}, false
		}
		values[i] = v
	}

	var n uint64
	for _, v := range values[:len(values)-1] {
		if v > 0xff {
			return netip.Addr{}, false
		}
		n = n<<8 | v
	}
	last := values[len(values)-1]
	rest := uint(8 * (5 - len(values)))
	if last >= 1<<rest {
		return netip.Addr{}, false
	}
	n = n<<rest | last

	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}), true
}
