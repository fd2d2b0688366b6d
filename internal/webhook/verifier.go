package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const googleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"

// PushVerifier validates the Google-signed OIDC token carried by Pub/Sub
// push requests. JWKS keys are cached with background refresh so the hot
// path never fetches over the network.
type PushVerifier struct {
	jwksURL  string
	audience string
	cache    *jwk.Cache
}

// NewPushVerifier creates a verifier for push tokens with the given
// expected audience (the push endpoint URL configured on the subscription).
func NewPushVerifier(ctx context.Context, audience string) (*PushVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(googleCertsURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	// Warm the cache so the first webhook does not pay the fetch.
	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, googleCertsURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &PushVerifier{
		jwksURL:  googleCertsURL,
		audience: audience,
		cache:    cache,
	}, nil
}

// VerifyRequest checks the request's bearer token signature, issuer, and
// audience. Any failure means the request cannot be trusted as a provider
// push and must be rejected.
func (v *PushVerifier) VerifyRequest(r *http.Request) error {
	keySet, err := v.cache.Get(r.Context(), v.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to load JWKS: %w", err)
	}

	_, err = jwt.ParseRequest(
		r,
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
		jwt.WithIssuer("https://accounts.google.com"),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return fmt.Errorf("failed to verify push token: %w", err)
	}
	return nil
}
