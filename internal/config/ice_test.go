package config

import "testing"

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {
	    "urls": ["stun:stun.example.com:3478"]
	  },
	  {
	    "urls": ["turn:turn.example.com:3478?transport=udp"],
	    "username": "user",
	    "credential": "pass"
	  }
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	if got := servers[1].Username; got != "user" {
		t.Fatalf("unexpected username: %q", got)
	}
	cred, ok := servers[1].Credential.(string)
	if !ok || cred != "pass" {
		t.Fatalf("unexpected credential: %#v", servers[1].Credential)
	}
}

func TestParseICEServersJSON_SupportsSingleStringURLs(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersJSON(`[{"urls": "stun:stun.example.com:3478"}]`)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected urls: %#v", got)
	}
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`[{"urls": ["turn:turn.example.com:3478"]}]`,
		`[{"urls": ["turn:turn.example.com:3478"], "username": "u"}]`,
		`[{"urls": ["http://example.com"]}]`,
		`[{"urls": []}]`,
		`{"urls": "stun:x"}`,
	} {
		if _, err := ParseICEServersJSON(raw); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestICEConfigConvenienceValues(t *testing.T) {
	t.Parallel()

	servers, err := ICEConfig{
		STUNURLs:       "stun:a.example:3478, stun:b.example:3478",
		TURNURLs:       "turn:turn.example.com:3478?transport=udp",
		TURNUsername:   "user",
		TURNCredential: "pass",
	}.Servers()
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if len(servers[0].URLs) != 2 || servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("unexpected stun server: %#v", servers[0])
	}
	if servers[1].Username != "user" || servers[1].Credential.(string) != "pass" {
		t.Fatalf("unexpected turn server: %#v", servers[1])
	}
}

func TestICEConfigTURNRequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := (ICEConfig{TURNURLs: "turn:turn.example.com"}).Servers(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestICEConfigJSONWins(t *testing.T) {
	t.Parallel()

	servers, err := ICEConfig{
		ServersJSON: `[{"urls":"stun:json.example"}]`,
		STUNURLs:    "stun:ignored.example",
	}.Servers()
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:json.example" {
		t.Fatalf("unexpected servers: %#v", servers)
	}
}

func TestICEConfigEmpty(t *testing.T) {
	t.Parallel()

	servers, err := ICEConfig{}.Servers()
	if err != nil || len(servers) != 0 {
		t.Fatalf("servers=%v err=%v, want none", servers, err)
	}
}
