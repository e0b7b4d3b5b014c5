package identity

import (
	"context"
	"strings"
	"sync"
)

// Identity is the confirmed current-user identity for a session.
type Identity struct {
	UserID string
}

// Provider resolves an opaque credential to a stable user identity.
//
// Resolve must be safe for concurrent use. It returns ErrInvalidCredential
// for a credential the provider rejects and ErrUnavailable when it cannot
// reach its backing source.
type Provider interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// StaticProvider resolves credentials from an in-process table. Credentials
// are stored hashed, the same way the Postgres provider stores them, so dev
// and prod exercise the identical lookup path.
type StaticProvider struct {
	mu    sync.RWMutex
	users map[string]string // credential hash -> user id
}

// NewStaticProvider constructs an empty static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{users: make(map[string]string)}
}

// Grant registers a credential for userID. Later grants overwrite earlier
// ones for the same credential.
func (p *StaticProvider) Grant(credential, userID string) {
	credential = strings.TrimSpace(credential)
	userID = strings.TrimSpace(userID)
	if credential == "" || userID == "" {
		return
	}

	p.mu.Lock()
	p.users[HashCredentialHex(credential)] = userID
	p.mu.Unlock()
}

// Resolve implements Provider.
func (p *StaticProvider) Resolve(ctx context.Context, credential string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrInvalidCredential
	}

	p.mu.RLock()
	userID, ok := p.users[HashCredentialHex(credential)]
	p.mu.RUnlock()

	if !ok {
		return Identity{}, ErrInvalidCredential
	}
	return Identity{UserID: userID}, nil
}

// ParseGrants loads "credential:user" pairs from a comma-separated list, the
// format used by the WREN_DM_CREDENTIALS env var. Malformed entries are
// skipped rather than fatal; dev config should not crash the server.
func (p *StaticProvider) ParseGrants(raw string) int {
	n := 0
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cred, user, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		cred = strings.TrimSpace(cred)
		user = strings.TrimSpace(user)
		if cred == "" || user == "" {
			continue
		}
		p.Grant(cred, user)
		n++
	}
	return n
}
