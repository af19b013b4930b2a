package normalize

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrEmptyURL          = errors.New("url is empty")
	ErrInvalidURL        = errors.New("url is invalid")
	ErrUnsupportedScheme = errors.New("url scheme is not http or https")
	ErrEmbeddedUserinfo  = errors.New("url contains embedded credentials")
)

var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"gclsrc":  {},
	"dclid":   {},
	"msclkid": {},
	"twclid":  {},
	"mc_cid":  {},
	"mc_eid":  {},
	"_ga":     {},
	"_gl":     {},
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// URL returns the canonical form of an article link used as a dedup key.
//
// The host is lowercased, default ports, fragments and tracking parameters
// are removed, remaining query keys are sorted and a trailing slash is
// dropped unless the path is the root. Path case and every other query
// parameter are kept so two different articles never collapse into one key.
// Links carrying user:password are rejected with ErrEmbeddedUserinfo.
func URL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrEmptyURL
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.User != nil {
		return "", ErrEmbeddedUserinfo
	}

	scheme := strings.ToLower(parsed.Scheme)
	defaultPort, ok := defaultPorts[scheme]
	if !ok {
		return "", ErrUnsupportedScheme
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	port := parsed.Port()
	switch {
	case port != "" && port != defaultPort:
		host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}

	path := parsed.EscapedPath()
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		path = "/"
	}

	out := scheme + "://" + host + path
	if query := filterQuery(parsed.Query()); query != "" {
		out += "?" + query
	}
	return out, nil
}

// filterQuery drops tracking keys and re-encodes the rest in sorted key order.
func filterQuery(values url.Values) string {
	for key := range values {
		if isTrackingParam(key) {
			values.Del(key)
		}
	}
	return values.Encode()
}

func isTrackingParam(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	_, ok := trackingParams[lower]
	return ok
}
