package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in       string
		want     string
		wantHost string
		ok       bool
	}{
		{"HTTPS://Example.COM:443", "https://example.com", "example.com", true},
		{"http://example.com:80/", "http://example.com", "example.com", true},
		{"http://localhost:5173/", "http://localhost:5173", "localhost:5173", true},
		{"http://[::1]:8080", "http://[::1]:8080", "[::1]:8080", true},
		{"  https://relay.example  ", "https://relay.example", "relay.example", true},
		{"null", "null", "", true},
		{"", "", "", false},
		{"ftp://example.com", "", "", false},
		{"https://example.com/path", "", "", false},
		{"https://example.com/?q=1", "", "", false},
		{"https://example.com?", "", "", false},
		{"https://user@example.com", "", "", false},
		{"https://example.com/#frag", "", "", false},
		{"https://example.com:0", "", "", false},
		{"https://example.com:99999", "", "", false},
		{"https://example.com:", "", "", false},
		{"http://::1", "", "", false},
		{"example.com", "", "", false},
	}
	for _, tc := range cases {
		got, host, ok := Normalize(tc.in)
		if ok != tc.ok || got != tc.want || host != tc.wantHost {
			t.Fatalf("Normalize(%q)=(%q, %q, %v), want (%q, %q, %v)", tc.in, got, host, ok, tc.want, tc.wantHost, tc.ok)
		}
	}
}

func TestNewPolicyRejectsInvalidEntries(t *testing.T) {
	if _, err := NewPolicy([]string{"https://ok.example", "not an origin"}); err == nil {
		t.Fatalf("expected error for invalid allowlist entry")
	}
}

func TestPolicyAllow(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		host    string
		origins []string
		want    bool
	}{
		{name: "no origin header", host: "relay.example", want: true},
		{name: "same host", host: "relay.example", origins: []string{"https://relay.example"}, want: true},
		{name: "same host default port", host: "relay.example:443", origins: []string{"https://relay.example"}, want: true},
		{name: "same host different scheme", host: "relay.example", origins: []string{"http://relay.example"}, want: true},
		{name: "other host", host: "relay.example", origins: []string{"https://evil.example"}, want: false},
		{name: "null origin same host", host: "relay.example", origins: []string{"null"}, want: false},
		{name: "malformed origin", host: "relay.example", origins: []string{"https://relay.example/path"}, want: false},
		{name: "duplicate origin headers", host: "relay.example", origins: []string{"https://relay.example", "https://relay.example"}, want: false},
		{name: "allowlist match", allowed: []string{"HTTPS://App.Example:443"}, host: "relay.example", origins: []string{"https://app.example"}, want: true},
		{name: "allowlist miss", allowed: []string{"https://app.example"}, host: "app.example", origins: []string{"https://other.example"}, want: false},
		{name: "wildcard", allowed: []string{"*"}, host: "relay.example", origins: []string{"https://anything.example"}, want: true},
		{name: "wildcard still validates", allowed: []string{"*"}, host: "relay.example", origins: []string{"garbage"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewPolicy(tc.allowed)
			if err != nil {
				t.Fatalf("NewPolicy: %v", err)
			}
			r := httptest.NewRequest("GET", "/", nil)
			r.Host = tc.host
			for _, o := range tc.origins {
				r.Header.Add("Origin", o)
			}
			if got := p.Allow(r); got != tc.want {
				t.Fatalf("Allow=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestNilPolicyAllowsEverything(t *testing.T) {
	var p *Policy
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Origin", "https://evil.example")
	if !p.Allow(r) {
		t.Fatalf("nil policy rejected request")
	}
}
