package vault

import "testing"

// TestEnvName verifies the symbolic-name → env-var mapping.
func TestEnvName(t *testing.T) {
	cases := map[string]string{
		"telegram-token": "AIDE_SECRET_TELEGRAM_TOKEN",
		"agent.key":      "AIDE_SECRET_AGENT_KEY",
		"smtp password":  "AIDE_SECRET_SMTP_PASSWORD",
	}
	for in, want := range cases {
		if got := envName(in); got != want {
			t.Errorf("envName(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestGet_EnvFallback verifies that the env fallback is used and cached
// without touching the OS keychain.
func TestGet_EnvFallback(t *testing.T) {
	t.Setenv("AIDE_SECRET_RELAY_SECRET", "s3cret")

	k := New()
	v, err := k.Get("relay-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "s3cret" {
		t.Errorf("got %q", v)
	}

	// Cached: clearing the env must not matter on the second read.
	t.Setenv("AIDE_SECRET_RELAY_SECRET", "")
	v, err = k.Get("relay-secret")
	if err != nil || v != "s3cret" {
		t.Errorf("cache miss: %q, %v", v, err)
	}
}

// TestStatic verifies the test double.
func TestStatic(t *testing.T) {
	s := Static{"a": "1"}
	if v, err := s.Get("a"); err != nil || v != "1" {
		t.Errorf("Static.Get(a) = %q, %v", v, err)
	}
	if _, err := s.Get("missing"); err == nil {
		t.Error("expected error for missing secret")
	}
}
