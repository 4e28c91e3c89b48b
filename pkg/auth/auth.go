// Package auth defines the credential-token seam named in spec.md §1's
// non-goal carve-out: "Credential providers (IAM, SAML, Secrets
// Manager)... only their interfaces are specified." It ships the
// TokenProvider interface and a process-wide cache of issued tokens
// keyed by the connection target they were minted for, per §5's
// "Shared resources: Token caches" — no concrete IAM/SAML/Okta signer
// lives here; callers inject one.
package auth

import (
	"context"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/cache"
)

// Token is an issued, time-bounded credential (e.g. an IAM auth token
// used as a database password).
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenProvider mints a Token for connecting to host:port as user in
// region. Implementations wrap a specific signer (IAM, SAML, Okta,
// Secrets Manager); none is provided here.
type TokenProvider interface {
	GetToken(ctx context.Context, host string, port int, region, user string) (Token, error)
}

// cacheKey identifies a cached token by the connection target and
// principal it was issued for, per spec.md §5.
type cacheKey struct {
	host   string
	port   int
	region string
	user   string
}

// CachingTokenProvider wraps a TokenProvider with a process-wide,
// sliding-expiration cache keyed by (host, port, region, user), so
// concurrent connection attempts against the same target share one
// token instead of each minting its own.
type CachingTokenProvider struct {
	inner TokenProvider
	cache *cache.SlidingCache[cacheKey, Token]
}

// NewCachingTokenProvider wraps inner. cleanupInterval bounds how often
// the underlying cache sweeps expired entries; it does not bound how
// long any individual token is cached, since each entry's TTL is that
// token's own ExpiresAt.
func NewCachingTokenProvider(inner TokenProvider, cleanupInterval time.Duration) *CachingTokenProvider {
	return &CachingTokenProvider{
		inner: inner,
		cache: cache.New[cacheKey, Token](cleanupInterval),
	}
}

// GetToken returns a cached, unexpired token for the target if one
// exists, else mints a new one through inner and caches it under its
// own expiration.
func (p *CachingTokenProvider) GetToken(ctx context.Context, host string, port int, region, user string) (Token, error) {
	key := cacheKey{host: host, port: port, region: region, user: user}
	if tok, ok := p.cache.Get(key); ok {
		return tok, nil
	}

	tok, err := p.inner.GetToken(ctx, host, port, region, user)
	if err != nil {
		return Token{}, err
	}
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		return tok, nil
	}
	cached, _ := p.cache.PutIfAbsent(key, tok, ttl)
	return cached, nil
}
