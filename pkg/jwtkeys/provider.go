// Package jwtkeys resolves the HMAC secrets used to verify admin tokens.
package jwtkeys

import "errors"

// ErrKeyNotFound is returned when no secret matches a token's key ID.
var ErrKeyNotFound = errors.New("jwtkeys: signing key not found")

// KeyProvider resolves verification secrets by key ID.
type KeyProvider interface {
	ResolveKey(kid string) ([]byte, error)
	// LegacyKey verifies tokens issued without a kid header.
	LegacyKey() []byte
}

// StaticProvider serves one secret for every key ID.
type StaticProvider struct {
	secret []byte
}

// NewStaticProvider wraps secret. An empty secret resolves nothing.
func NewStaticProvider(secret string) *StaticProvider {
	return &StaticProvider{secret: []byte(secret)}
}

func (p *StaticProvider) ResolveKey(string) ([]byte, error) {
	if len(p.secret) == 0 {
		return nil, ErrKeyNotFound
	}
	return p.secret, nil
}

func (p *StaticProvider) LegacyKey() []byte {
	return p.secret
}
