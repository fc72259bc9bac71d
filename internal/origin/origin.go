// Package origin normalizes browser Origin headers and applies the broker's
// origin allowlist to websocket upgrades.
package origin

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header and returns it in canonical
// scheme://host[:port] form: lowercased, default ports stripped, IPv6
// literals bracketed.
//
// Only http and https origins are accepted. The opaque "null" origin (file://
// pages, sandboxed iframes) is rejected; such contexts cannot carry a WebRTC
// call anyway.
func Normalize(originHeader string) (string, bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" || trimmed == "null" {
		return "", false
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	rawHostname, rawPort, ok := splitHostPort(u.Host)
	if !ok {
		return "", false
	}

	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}

	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return scheme + "://" + host, true
}

// Allowlist decides which browser origins may open signaling connections.
//
// An empty allowlist admits every origin. That is the local development
// posture; production deployments are expected to set ALLOWED_ORIGINS.
type Allowlist struct {
	origins map[string]struct{}
}

// NewAllowlist builds an allowlist from configured origin strings. Each entry
// must normalize cleanly; a malformed entry is a configuration error.
func NewAllowlist(entries []string) (*Allowlist, error) {
	al := &Allowlist{}
	for _, raw := range entries {
		normalized, ok := Normalize(raw)
		if !ok {
			return nil, fmt.Errorf("invalid allowed origin %q (want scheme://host[:port] with http or https)", raw)
		}
		if al.origins == nil {
			al.origins = make(map[string]struct{})
		}
		al.origins[normalized] = struct{}{}
	}
	return al, nil
}

// Allows reports whether a request carrying the given Origin header may
// connect. Requests without an Origin header are always allowed; those come
// from non-browser clients, which the header cannot authenticate anyway.
func (al *Allowlist) Allows(originHeader string) bool {
	if originHeader == "" {
		return true
	}
	if al == nil || al.origins == nil {
		return true
	}
	normalized, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	_, found := al.origins[normalized]
	return found
}

// Entries returns the normalized allowlist, or nil when every origin is
// admitted.
func (al *Allowlist) Entries() []string {
	if al == nil || al.origins == nil {
		return nil
	}
	out := make([]string, 0, len(al.origins))
	for o := range al.origins {
		out = append(out, o)
	}
	return out
}

// splitHostPort splits an authority host[:port] string.
//
// The hostname is returned without brackets for IPv6 literals. The port is
// returned as-is (not validated) and will be empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", false
		}
		port = rest[1:]
		if port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		parts := strings.SplitN(rawHost, ":", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
