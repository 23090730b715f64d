// Package secrets defines the secrets-backend interface the engine treats as
// an external collaborator (spec §6): provider credentials are referenced
// from a provider record, never stored inline, and resolved through this
// interface at dispatch/admin time.
package secrets

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Backend resolves a named secret reference to its current value and
// supports rotating it to a new name (e.g. after a credential refresh, the
// provider record is updated to point at the rotated name rather than the
// secret value changing under the same name).
type Backend interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
	Rotate(ctx context.Context, name string) (newName string, err error)
}

// EnvBackend is the reference Backend implementation: secret values live in
// process environment variables, following the same env-first convention as
// internal/config's viper/gotenv loading. A real deployment wires a KMS
// client behind the same interface.
type EnvBackend struct {
	mu        sync.Mutex
	overrides map[string]string // name -> value, set via Rotate in lieu of a real KMS write
	rotations map[string]int    // name -> rotation counter, used to mint newName
}

// NewEnvBackend returns a Backend reading from the process environment.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{
		overrides: make(map[string]string),
		rotations: make(map[string]int),
	}
}

// Fetch returns the secret named by name: an override set by a prior Rotate
// call, else the environment variable of the same name.
func (b *EnvBackend) Fetch(_ context.Context, name string) ([]byte, error) {
	b.mu.Lock()
	if v, ok := b.overrides[name]; ok {
		b.mu.Unlock()
		return []byte(v), nil
	}
	b.mu.Unlock()

	v, ok := os.LookupEnv(name)
	if !ok {
		return nil, fmt.Errorf("secrets: %q not set", name)
	}
	return []byte(v), nil
}

// Rotate mints a new name for the secret (name suffixed with a monotonic
// rotation counter) and copies the secret's current value (override or
// environment variable) under it, so the new name resolves to the same
// value. No new credential is produced (a KMS backend would instead hand
// back a name the KMS already has populated); this reference implementation
// exercises the interface's shape, not real credential rotation.
func (b *EnvBackend) Rotate(_ context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rotations[name]++
	newName := fmt.Sprintf("%s_v%d_%d", name, b.rotations[name], time.Now().UnixNano())
	if v, ok := b.overrides[name]; ok {
		b.overrides[newName] = v
	} else if v, ok := os.LookupEnv(name); ok {
		b.overrides[newName] = v
	}
	return newName, nil
}
