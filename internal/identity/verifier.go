// Package identity validates end-user session tokens issued by the
// external identity provider. The provider itself (sign-in, user accounts)
// is outside this system; only its JWTs cross the boundary.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// User is the authenticated principal extracted from a session token.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Verifier validates IdP-issued JWTs with a cached JWKS.
type Verifier struct {
	jwksURL     string
	issuer      string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	refreshTTL  time.Duration
}

// NewVerifier creates a verifier for the IdP's JWKS endpoint. Keys are
// cached and refreshed in the background so token verification never
// blocks on network I/O.
func NewVerifier(ctx context.Context, jwksURL, issuer string) (*Verifier, error) {
	v := &Verifier{
		jwksURL:    jwksURL,
		issuer:     issuer,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	keySet, err := cache.Refresh(fetchCtx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh(ctx)
	return v, nil
}

func (v *Verifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.cache.Get(fetchCtx, v.jwksURL)
		cancel()
		if err != nil {
			// Keep serving the previous key set; retry next tick.
			continue
		}

		v.keySetMutex.Lock()
		v.keySet = keySet
		v.keySetMutex.Unlock()
	}
}

func (v *Verifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// UserFromRequest extracts and validates the session JWT from the request.
func (v *Verifier) UserFromRequest(r *http.Request) (*User, error) {
	options := []jwt.ParseOption{
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseRequest(r, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session token: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("session token missing subject")
	}

	var email string
	if emailClaim, ok := token.Get("email"); ok {
		email, _ = emailClaim.(string)
	}

	return &User{ID: userID, Email: email}, nil
}
