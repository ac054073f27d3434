package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/teranos/cascade/errors"
)

// WildcardTenant in a token's tenant list permits every tenant
const WildcardTenant = "*"

// Caller is the authenticated principal behind a request
type Caller struct {
	// Name is a non-secret label for logs
	Name    string
	Tenants []string
}

// Authorizer decides who may trigger for which tenant
type Authorizer interface {
	// Authenticate resolves a bearer token into a Caller, or returns an
	// error marked errors.ErrUnauthorized.
	Authenticate(ctx context.Context, token string) (*Caller, error)
	// Permitted reports whether caller may act for tenant.
	Permitted(ctx context.Context, caller *Caller, tenant string) bool
}

// TokenAuthorizer maps static bearer tokens to tenant lists from config
type TokenAuthorizer struct {
	mu     sync.RWMutex
	tokens map[string][]string
}

// NewTokenAuthorizer creates an authorizer over token → tenants
func NewTokenAuthorizer(tokens map[string][]string) *TokenAuthorizer {
	a := &TokenAuthorizer{}
	a.SetTokens(tokens)
	return a
}

// SetTokens replaces the token table (config reload)
func (a *TokenAuthorizer) SetTokens(tokens map[string][]string) {
	copied := make(map[string][]string, len(tokens))
	for tok, tenants := range tokens {
		copied[tok] = append([]string(nil), tenants...)
	}
	a.mu.Lock()
	a.tokens = copied
	a.mu.Unlock()
}

// Authenticate compares token against every configured token in constant time
func (a *TokenAuthorizer) Authenticate(_ context.Context, token string) (*Caller, error) {
	if token == "" {
		return nil, errors.Wrap(errors.ErrUnauthorized, "missing bearer token")
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	var match []string
	found := false
	for tok, tenants := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(token)) == 1 {
			match = tenants
			found = true
		}
	}
	if !found {
		return nil, errors.Wrap(errors.ErrUnauthorized, "unknown bearer token")
	}
	return &Caller{Name: "token:" + shortID(token), Tenants: match}, nil
}

// Permitted reports whether the caller's tenant list covers tenant
func (a *TokenAuthorizer) Permitted(_ context.Context, caller *Caller, tenant string) bool {
	if caller == nil {
		return false
	}
	for _, t := range caller.Tenants {
		if t == WildcardTenant || t == tenant {
			return true
		}
	}
	return false
}

type callerKey struct{}

// CallerFromContext returns the caller set by requireAuth
func CallerFromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey{}).(*Caller)
	return c
}

// extractToken reads "Authorization: Bearer <token>"
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireAuth rejects requests without a valid bearer token and stores the
// caller in the request context
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.auth.Authenticate(r.Context(), extractToken(r))
		if err != nil {
			if !errors.Is(err, errors.ErrUnauthorized) {
				err = errors.Mark(err, errors.ErrUnauthorized)
			}
			writeWrappedError(w, s.logger, err, "authentication failed")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	}
}
