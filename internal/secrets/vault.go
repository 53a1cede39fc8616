// Package secrets holds credentials the admin surface checks at request
// time, reloadable without a restart.
package secrets

import (
	"fmt"
	"sync"
)

// AdminToken is the key of the bearer token guarding the admin API.
const AdminToken = "admin_token"

// Loader retrieves secrets from one source.
type Loader func() (map[string]string, error)

// Vault holds secret values in memory and swaps them atomically on Reload.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the secret for key, or an empty string if not found.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Lookup returns a getter bound to key, for consumers that only need one secret.
func (v *Vault) Lookup(key string) func() string {
	return func() string { return v.Get(key) }
}

// Reload calls the loader and swaps in the new values. On error the
// existing values are kept.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = vals
	v.mu.Unlock()
	return nil
}
