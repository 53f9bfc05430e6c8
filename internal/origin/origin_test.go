package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in       string
		want     string
		wantHost string
		ok       bool
	}{
		{"https://app.example", "https://app.example", "app.example", true},
		{"https://App.Example", "https://app.example", "app.example", true},
		{"http://app.example:80", "http://app.example", "app.example", true},
		{"https://app.example:443", "https://app.example", "app.example", true},
		{"http://app.example:8080", "http://app.example:8080", "app.example:8080", true},
		{"  https://app.example  ", "https://app.example", "app.example", true},
		{"null", "null", "", true},
		{"", "", "", false},
		{"ftp://app.example", "", "", false},
		{"https://user@app.example", "", "", false},
		{"https://app.example/path", "", "", false},
		{"https://app.example?q=1", "", "", false},
		{"https://app.example:0", "", "", false},
		{"https://app.example:70000", "", "", false},
		{"not a url", "", "", false},
	}

	for _, tc := range cases {
		got, host, ok := Normalize(tc.in)
		if ok != tc.ok || got != tc.want || host != tc.wantHost {
			t.Errorf("Normalize(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, got, host, ok, tc.want, tc.wantHost, tc.ok)
		}
	}
}

func TestAllowedSameHostDefault(t *testing.T) {
	if !Allowed("http://relay.example", "relay.example", "relay.example", nil) {
		t.Fatalf("same host must pass with empty allowlist")
	}
	if Allowed("http://other.example", "other.example", "relay.example", nil) {
		t.Fatalf("cross host must fail with empty allowlist")
	}
	if Allowed("null", "", "relay.example", nil) {
		t.Fatalf("null origin must fail with empty allowlist")
	}
	// Default ports compare equal.
	if !Allowed("http://relay.example", "relay.example", "relay.example:80", nil) {
		t.Fatalf("default port mismatch must still pass")
	}
}

func TestAllowedWithAllowlist(t *testing.T) {
	allow := []string{"https://app.example"}
	if !Allowed("https://app.example", "app.example", "relay.example", allow) {
		t.Fatalf("listed origin must pass")
	}
	if Allowed("https://evil.example", "evil.example", "relay.example", allow) {
		t.Fatalf("unlisted origin must fail")
	}
	// An allowlist replaces the same-host default entirely.
	if Allowed("https://relay.example", "relay.example", "relay.example", allow) {
		t.Fatalf("same host is not implicitly allowed once a list exists")
	}
	if !Allowed("https://anything.example", "anything.example", "relay.example", []string{"*"}) {
		t.Fatalf("wildcard must pass everything")
	}
}

func TestCheckHeader(t *testing.T) {
	if !CheckHeader("", "relay.example", nil) {
		t.Fatalf("missing origin header must pass")
	}
	if CheckHeader("garbage://", "relay.example", nil) {
		t.Fatalf("malformed origin must fail")
	}
	if !CheckHeader("http://relay.example", "relay.example", nil) {
		t.Fatalf("same-host origin must pass")
	}
	if CheckHeader("http://evil.example", "relay.example", nil) {
		t.Fatalf("cross-host origin must fail")
	}
}
