// Package auth validates the opaque access key that identifies a
// requester to the façade (spec.md §6 "request authentication by
// opaque key" -- external plumbing, specified only at its interface).
//
// Grounded on an API-key authenticator pattern, trimmed to a single
// concern: does this key identify a known requester. JWT authentication,
// rate-limit tiers, and RBAC policy bindings have no home here and are
// dropped (see DESIGN.md).
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "tango:apikey:"

// Validator checks whether a presented access key is valid and, if so,
// returns the requester identity it resolves to.
type Validator interface {
	Validate(ctx context.Context, key string) (string, bool)
}

// StaticValidator validates against a fixed set of keys loaded from
// config, keyed by their SHA-256 hash so the plaintext key is never
// held in memory longer than needed to hash it.
type StaticValidator struct {
	hashes map[string]string // hash -> requester name
}

// NewStaticValidator builds a StaticValidator from name/key pairs.
func NewStaticValidator(keys map[string]string) *StaticValidator {
	v := &StaticValidator{hashes: make(map[string]string, len(keys))}
	for name, key := range keys {
		v.hashes[hashKey(key)] = name
	}
	return v
}

func (v *StaticValidator) Validate(ctx context.Context, key string) (string, bool) {
	name, ok := v.hashes[hashKey(key)]
	return name, ok
}

// RedisValidator looks up keys provisioned out of band (spec.md §6
// "opaque key" -- provisioning is an external concern; this only reads
// what was already written there).
type RedisValidator struct {
	client *redis.Client
}

// NewRedisValidator constructs a RedisValidator against client.
func NewRedisValidator(client *redis.Client) *RedisValidator {
	return &RedisValidator{client: client}
}

func (v *RedisValidator) Validate(ctx context.Context, key string) (string, bool) {
	name, err := v.client.Get(ctx, redisKeyPrefix+hashKey(key)).Result()
	if err != nil {
		return "", false
	}
	return name, true
}

// ProvisionKey stores a new access key in Redis under its hash,
// returning the plaintext key to hand to the requester once.
func ProvisionKey(ctx context.Context, client *redis.Client, name string) (string, error) {
	key := generateKey()
	if err := client.Set(ctx, redisKeyPrefix+hashKey(key), name, 0).Err(); err != nil {
		return "", err
	}
	return key, nil
}

// Chain tries each Validator in order and returns the first match.
type Chain []Validator

func (c Chain) Validate(ctx context.Context, key string) (string, bool) {
	for _, v := range c {
		if name, ok := v.Validate(ctx, key); ok {
			return name, ok
		}
	}
	return "", false
}

func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func generateKey() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	raw := make([]byte, 32)
	_, _ = rand.Read(raw)
	out := make([]byte, len(raw))
	for i, b := range raw {
		out[i] = charset[b%byte(len(charset))]
	}
	return "tgo_" + string(out)
}

// VerifyKey does a constant-time comparison of a plaintext key against
// a stored hash, for callers that already have both in hand.
func VerifyKey(plaintext, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(hashKey(plaintext)), []byte(hash)) == 1
}

// contextKey scopes the requester name stored in a request context.
type contextKey struct{}

var requesterKey = contextKey{}

// WithRequester attaches a validated requester name to ctx.
func WithRequester(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, requesterKey, name)
}

// Requester retrieves the requester name Middleware attached to ctx.
func Requester(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(requesterKey).(string)
	return name, ok
}

// Middleware enforces access-key validation on every request whose
// path is not in publicPaths. Disabled entirely (next-passthrough) when
// v is nil, matching Config.Auth.Enabled == false.
func Middleware(v Validator, publicPaths []string) func(http.Handler) http.Handler {
	public := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = true
	}

	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := extractKey(r)
			if key == "" {
				unauthorized(w)
				return
			}
			name, ok := v.Validate(r.Context(), key)
			if !ok {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithRequester(r.Context(), name)))
		})
	}
}

func extractKey(r *http.Request) string {
	if key := r.Header.Get("X-Access-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="tango"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","message":"a valid access key is required"}`))
}
