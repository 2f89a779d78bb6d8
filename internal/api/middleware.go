/**
 * @description
 * This file contains custom middleware for the HTTP router. Middlewares are used
 * to process requests before they reach the final handler, perfect for tasks like
 * authentication, logging, or adding context to a request.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Bearer token verification against a JWKS endpoint.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CallerIDContextKey is a custom type for the context key to avoid collisions.
type CallerIDContextKey string

const callerIDKey CallerIDContextKey = "callerID"

const jwksCacheTTL = 10 * time.Minute

// JWTConfig configures bearer token verification.
type JWTConfig struct {
	JWKSURL  string
	Audience string
	Issuer   string
}

// JWTAuthMiddleware validates RS256 bearer tokens and puts the `sub` claim in the request
// context as the caller identity.
func JWTAuthMiddleware(cfg JWTConfig) func(http.Handler) http.Handler {
	keys := newJWKSCache(cfg.JWKSURL, jwksCacheTTL)

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"})}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("kid not found in token header")
				}
				return keys.key(r.Context(), kid)
			}, opts...)
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || strings.TrimSpace(subject) == "" {
				http.Error(w, "Subject not found in token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithCallerID(r.Context(), subject)))
		})
	}
}

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
// An empty key disables the check.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || provided != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// jwksCache keeps the signing keys between requests and refetches them when they expire or an
// unknown kid shows up after a rotation.
type jwksCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(url string, ttl time.Duration) *jwksCache {
	return &jwksCache{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
	}
}

func (c *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < c.ttl {
		return key, nil
	}
	keys, err := c.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	c.keys = keys
	c.fetchedAt = time.Now()

	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func (c *jwksCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "" && k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// parseRSAPublicKey parses RSA public key from modulus and exponent
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp),
	}, nil
}

// ContextWithCallerID returns ctx carrying the authenticated caller identity.
func ContextWithCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerIDKey, callerID)
}

// GetCallerID retrieves the authenticated caller identity from the request context.
func GetCallerID(ctx context.Context) (string, bool) {
	callerID, ok := ctx.Value(callerIDKey).(string)
	return callerID, ok && callerID != ""
}
