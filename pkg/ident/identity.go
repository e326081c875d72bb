package ident

import (
	"fmt"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Identity is a durable participant identity, distinct from any transport
// connection id. A client persists its identity so that reconnecting
// after a transport drop reuses the same identity for addressing.
type Identity string

// NewIdentity mints a fresh identity. ULIDs are used here rather than the
// record id scheme because identities outlive the minting process and are
// aggregated across clients by the relay service.
func NewIdentity() Identity {
	return Identity(ulid.Make().String())
}

// ParseIdentity validates s as an identity.
func ParseIdentity(s string) (Identity, error) {
	if _, err := ulid.ParseStrict(strings.TrimSpace(s)); err != nil {
		return "", fmt.Errorf("ident: invalid identity %q: %w", s, err)
	}
	return Identity(strings.TrimSpace(s)), nil
}

// LoadOrMintIdentity reads a persisted identity from path, minting and
// persisting a new one if the file is absent or unreadable as an
// identity. The returned identity is always usable; the error reports a
// failure to persist it, which callers may treat as non-fatal.
func LoadOrMintIdentity(path string) (Identity, error) {
	if data, err := os.ReadFile(path); err == nil {
		if id, perr := ParseIdentity(string(data)); perr == nil {
			return id, nil
		}
	}
	id := NewIdentity()
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return id, fmt.Errorf("ident: persist identity: %w", err)
	}
	return id, nil
}
