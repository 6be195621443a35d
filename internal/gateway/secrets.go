package gateway

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// secretCache loads and caches per-identity credential files. A missing
// or unreadable file is an auth-class failure: the identity is excluded
// from the run, other identities continue.
type secretCache struct {
	mu      sync.Mutex
	resolve func(path string) string
	secrets map[string]string
}

func newSecretCache(resolve func(string) string) *secretCache {
	if resolve == nil {
		resolve = func(p string) string { return p }
	}
	return &secretCache{
		resolve: resolve,
		secrets: make(map[string]string),
	}
}

func (c *secretCache) load(path string) (string, error) {
	if path == "" {
		return "", &DeliveryError{Class: ClassAuth, Message: "no credential file configured"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if secret, ok := c.secrets[path]; ok {
		return secret, nil
	}

	data, err := os.ReadFile(c.resolve(path))
	if err != nil {
		return "", &DeliveryError{
			Class:   ClassAuth,
			Message: fmt.Sprintf("failed to read credential file %s: %v", path, err),
		}
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", &DeliveryError{
			Class:   ClassAuth,
			Message: fmt.Sprintf("credential file %s is empty", path),
		}
	}

	c.secrets[path] = secret
	return secret, nil
}
