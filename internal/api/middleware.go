package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const operatorCtxKey contextKey = iota

// authOperator is the authenticated operator context for a request.
type authOperator struct {
	ID   string
	Name string
}

// operatorFromContext extracts the authenticated operator from the request
// context.
func operatorFromContext(ctx context.Context) *authOperator {
	v, _ := ctx.Value(operatorCtxKey).(*authOperator)
	return v
}

// --- Auth cache (stale-while-revalidate) ---

type cacheEntry struct {
	operator   *authOperator
	expiresAt  time.Time
	refreshing atomic.Bool
}

type authCache struct {
	store sync.Map // map[string]*cacheEntry (keyed by full operator key)
	ttl   time.Duration
}

func newAuthCache(ttl time.Duration) *authCache {
	return &authCache{ttl: ttl}
}

func (c *authCache) get(key string) (op *authOperator, hit bool, needsRefresh bool) {
	v, ok := c.store.Load(key)
	if !ok {
		return nil, false, false
	}
	entry := v.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return entry.operator, true, false // fresh
	}
	// Stale — serve it but let exactly one goroutine refresh
	needsRefresh = entry.refreshing.CompareAndSwap(false, true)
	return entry.operator, true, needsRefresh
}

func (c *authCache) set(key string, op *authOperator) {
	c.store.Store(key, &cacheEntry{
		operator:  op,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// --- Auth middleware ---

// authMiddleware validates Bearer mdk_ operator keys and injects the
// authenticated operator into the request context.
func (d *Dependencies) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	cache := newAuthCache(d.CacheTTL)

	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractBearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Error: "Missing or invalid Authorization header"})
			return
		}
		if len(token) < 8 || !strings.HasPrefix(token, "mdk_") {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Error: "Invalid operator key format"})
			return
		}

		op, hit, needsRefresh := cache.get(token)
		if hit && needsRefresh {
			// Stale hit — answer with the stale entry, refresh in background
			go d.refreshAuth(cache, token)
		}
		if hit && op != nil {
			ctx := context.WithValue(r.Context(), operatorCtxKey, op)
			next(w, r.WithContext(ctx))
			return
		}

		// Cache miss — synchronous lookup
		op, err := d.authenticateKey(r.Context(), token)
		if err != nil {
			d.Logger.Warn("operator auth failed", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Error: "Invalid operator key"})
			return
		}

		cache.set(token, op)
		ctx := context.WithValue(r.Context(), operatorCtxKey, op)
		next(w, r.WithContext(ctx))
	}
}

// authenticateKey validates an operator key against Postgres.
func (d *Dependencies) authenticateKey(ctx context.Context, token string) (*authOperator, error) {
	prefix := token[:8]
	key, err := d.Keys.LookupOperatorKeyByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("operator key not found for prefix")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(token)); err != nil {
		return nil, err
	}

	return &authOperator{ID: key.ID, Name: key.Name}, nil
}

// refreshAuth refreshes the cache entry in the background.
func (d *Dependencies) refreshAuth(cache *authCache, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	op, err := d.authenticateKey(ctx, token)
	if err != nil {
		d.Logger.Warn("background operator auth refresh failed", zap.Error(err))
		return
	}
	cache.set(token, op)
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
