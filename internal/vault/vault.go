// Package vault fetches secrets from the OS keychain by symbolic name.
// Secrets are cached in memory for the life of the process; an env var
// fallback (AIDE_SECRET_<NAME>) covers headless hosts and CI.
package vault

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

// service is the keychain service name all aide secrets live under.
const service = "aide"

// Store retrieves secrets by symbolic name.
type Store interface {
	Get(name string) (string, error)
}

// Keychain is the OS-keychain-backed Store.
type Keychain struct {
	mu    sync.Mutex
	cache map[string]string
}

// New creates a keychain-backed vault.
func New() *Keychain {
	return &Keychain{cache: make(map[string]string)}
}

// Get returns the secret for name. Lookup order: in-memory cache,
// AIDE_SECRET_<NAME> env var, OS keychain. The env fallback is checked
// first so a deployment can run without keychain access at all.
func (k *Keychain) Get(name string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if v, ok := k.cache[name]; ok {
		return v, nil
	}

	if v := os.Getenv(envName(name)); v != "" {
		k.cache[name] = v
		return v, nil
	}

	v, err := keyring.Get(service, name)
	if err != nil {
		return "", fmt.Errorf("vault: secret %q: %w", name, err)
	}
	k.cache[name] = v
	return v, nil
}

// envName maps a symbolic secret name to its env fallback variable:
// "telegram-token" → "AIDE_SECRET_TELEGRAM_TOKEN".
func envName(name string) string {
	up := strings.ToUpper(name)
	up = strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(up)
	return "AIDE_SECRET_" + up
}

// Static is a fixed-map Store for tests.
type Static map[string]string

// Get implements Store.
func (s Static) Get(name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("vault: secret %q not found", name)
}
