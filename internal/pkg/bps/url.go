package bps

import (
	"maps"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/shandysiswandi/bps/internal/pkg/coerce"
)

// ParseQuery converts URL query values into raw options.
//
// A key given once becomes a string, a repeated key becomes a []string and a
// key ending in "[]" is always a []string. Bracketed keys nest:
// "sasl[user]=bob" becomes {"sasl": {"user": "bob"}}. When a key is given
// both plain and nested, as in "sasl=x&sasl[user]=bob", the nested form wins.
func ParseQuery(values url.Values) coerce.RawOptions {
	raw := make(coerce.RawOptions, len(values))
	for _, key := range slices.Sorted(maps.Keys(values)) {
		vals := values[key]
		if len(vals) == 0 {
			continue
		}
		path, list := splitQueryKey(key)
		var val any
		switch {
		case list:
			val = append([]string(nil), vals...)
		case len(vals) == 1:
			val = vals[0]
		default:
			val = append([]string(nil), vals...)
		}
		setPath(raw, path, val)
	}
	return raw
}

// splitQueryKey splits "a[b][c]" into [a b c] and reports a trailing "[]".
func splitQueryKey(key string) ([]string, bool) {
	list := false
	if strings.HasSuffix(key, "[]") && len(key) > 2 {
		key = key[:len(key)-2]
		list = true
	}

	open := strings.IndexByte(key, '[')
	if open <= 0 || !strings.HasSuffix(key, "]") {
		return []string{key}, list
	}

	path := []string{key[:open]}
	rest := key[open:]
	for len(rest) > 0 {
		if rest[0] != '[' {
			return []string{key}, list
		}
		end := strings.IndexByte(rest, ']')
		if end < 2 {
			return []string{key}, list
		}
		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}
	return path, list
}

func setPath(raw coerce.RawOptions, path []string, val any) {
	for _, seg := range path[:len(path)-1] {
		next, ok := raw[seg].(coerce.RawOptions)
		if !ok {
			next = coerce.RawOptions{}
			raw[seg] = next
		}
		raw = next
	}
	leaf := path[len(path)-1]
	if _, nested := raw[leaf].(coerce.RawOptions); nested {
		return
	}
	raw[leaf] = val
}

// ParseURL parses rawURL like url.Parse but accepts a percent-escaped host,
// so an address list may be written as "10.0.0.1%3A9093%2C10.0.0.2". The
// host is unescaped once into Host.
func ParseURL(rawURL string) (*url.URL, error) {
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok {
		return url.Parse(rawURL)
	}

	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		end = len(rest)
	}
	authority, tail := rest[:end], rest[end:]
	userinfo, host := "", authority
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		userinfo, host = authority[:at+1], authority[at+1:]
	}
	if !strings.Contains(host, "%") {
		return url.Parse(rawURL)
	}

	host, err := url.PathUnescape(host)
	if err != nil {
		return nil, &url.Error{Op: "parse", URL: rawURL, Err: err}
	}
	u, err := url.Parse(scheme + "://" + userinfo + tail)
	if err != nil {
		return nil, err
	}
	u.Host = host
	return u, nil
}

// ParseAddrs returns the comma separated host list of u's authority, each
// with defaultPort added when it has none. Host is used as unescaped by
// ParseURL, so an escaped comma inside it does not split.
//
//	kafka://10.0.0.1,10.0.0.2:9093 -> [10.0.0.1:9092 10.0.0.2:9093]
func ParseAddrs(u *url.URL, defaultPort string) []string {
	if u == nil {
		return nil
	}

	var addrs []string
	for _, host := range strings.Split(u.Host, ",") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		addrs = append(addrs, withDefaultPort(host, defaultPort))
	}
	return addrs
}

func withDefaultPort(host, defaultPort string) string {
	if defaultPort == "" {
		return host
	}
	if _, port, err := net.SplitHostPort(host); err == nil && port != "" {
		return host
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return net.JoinHostPort(host, defaultPort)
}

// PathName returns the URL path without slashes, e.g. a stream or bucket
// prefix.
func PathName(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.Trim(u.Path, "/")
}
