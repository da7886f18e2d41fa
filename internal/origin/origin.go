// Package origin implements the browser Origin allowlist applied to relay
// websocket upgrades.
package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header value and returns it as
// scheme://host[:port] with the scheme and host lower-cased and default ports
// removed. host is the host[:port] part used for same-host comparisons.
//
// The opaque origin "null" is accepted and returned unchanged with an empty
// host.
func Normalize(raw string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHost lower-cases an authority and strips the scheme's default port.
func canonicalHost(authority, scheme string) (string, bool) {
	u := url.URL{Host: strings.ToLower(strings.TrimSpace(authority))}
	hostname, port := u.Hostname(), u.Port()
	if hostname == "" {
		return "", false
	}
	if strings.Count(u.Host, ":") > 1 && !strings.HasPrefix(u.Host, "[") {
		// Unbracketed IPv6 literals are not valid authorities.
		return "", false
	}
	if strings.HasSuffix(u.Host, ":") {
		return "", false
	}
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}

// Policy decides whether a request's Origin may open a relay connection.
//
// Requests without an Origin header are always allowed: they come from
// non-browser peers, which can set any header they like anyway. With an empty
// allowlist only same-host origins pass; "*" allows every origin.
type Policy struct {
	allowAny bool
	allowed  map[string]struct{}
}

func NewPolicy(allowedOrigins []string) (*Policy, error) {
	p := &Policy{allowed: make(map[string]struct{}, len(allowedOrigins))}
	for _, raw := range allowedOrigins {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if raw == "*" {
			p.allowAny = true
			continue
		}
		normalized, _, ok := Normalize(raw)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q", raw)
		}
		p.allowed[normalized] = struct{}{}
	}
	return p, nil
}

// Allow reports whether r passes the policy. A nil Policy allows everything.
func (p *Policy) Allow(r *http.Request) bool {
	if p == nil {
		return true
	}
	values := r.Header.Values("Origin")
	switch len(values) {
	case 0:
		return true
	case 1:
	default:
		return false
	}

	normalized, originHost, ok := Normalize(values[0])
	if !ok {
		return false
	}
	if p.allowAny {
		return true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[normalized]
		return ok
	}

	// Same host only. Schemes are not compared so a TLS-terminating proxy in
	// front of the relay does not break browsers on https.
	if normalized == "null" {
		return false
	}
	scheme := normalized[:strings.Index(normalized, ":")]
	requestHost, ok := canonicalHost(r.Host, scheme)
	return ok && requestHost == originHost
}
