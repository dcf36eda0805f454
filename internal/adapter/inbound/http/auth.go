package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/golang-jwt/jwt/v5"

	"github.com/agentgate/agentgate/internal/ctxkey"
	"github.com/agentgate/agentgate/internal/domain/gateerr"
)

// Admin role claims, one per operation domain.
const (
	RolePolicyAdmin    = "policy_admin"
	RoleIncidentAdmin  = "incident_admin"
	RoleRolloutAdmin   = "rollout_admin"
	RoleRetentionAdmin = "retention_admin"
	RoleSystemAdmin    = "system_admin"
)

// legacyKeyHeader is the shared-secret header accepted when explicitly
// enabled.
const legacyKeyHeader = "X-AgentGate-Admin-Key"

// Principal is the authenticated admin identity.
type Principal struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the principal carries the role. The system
// admin role implies every domain role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == RoleSystemAdmin {
			return true
		}
	}
	return false
}

// AdminAuth authenticates admin requests: a Bearer JWT with a roles
// claim, or (when enabled) the legacy shared-secret header which
// grants every role.
type AdminAuth struct {
	jwtSecret   []byte
	allowAPIKey bool
	apiKeyHash  string
	logger      *slog.Logger
}

// NewAdminAuth creates the authenticator.
func NewAdminAuth(jwtSecret string, allowAPIKey bool, apiKeyHash string, logger *slog.Logger) *AdminAuth {
	return &AdminAuth{
		jwtSecret:   []byte(jwtSecret),
		allowAPIKey: allowAPIKey,
		apiKeyHash:  apiKeyHash,
		logger:      logger,
	}
}

// Authenticate resolves the principal for a request.
func (a *AdminAuth) Authenticate(r *http.Request) (*Principal, error) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return a.fromJWT(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get(legacyKeyHeader); key != "" {
		if !a.allowAPIKey {
			return nil, gateerr.New(gateerr.KindUnauthenticated,
				"legacy admin key auth is disabled")
		}
		match, err := argon2id.ComparePasswordAndHash(key, a.apiKeyHash)
		if err != nil || !match {
			return nil, gateerr.New(gateerr.KindUnauthenticated, "invalid admin key")
		}
		return &Principal{Subject: "legacy-admin-key", Roles: []string{RoleSystemAdmin}}, nil
	}
	return nil, gateerr.New(gateerr.KindUnauthenticated, "missing credentials").
		WithHint("send Authorization: Bearer <token> or the admin key header")
}

func (a *AdminAuth) fromJWT(tokenString string) (*Principal, error) {
	if len(a.jwtSecret) == 0 {
		return nil, gateerr.New(gateerr.KindUnauthenticated, "admin JWT auth is not configured")
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, gateerr.New(gateerr.KindUnauthenticated, "invalid bearer token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, gateerr.New(gateerr.KindUnauthenticated, "malformed token claims")
	}
	principal := &Principal{}
	if sub, err := claims.GetSubject(); err == nil {
		principal.Subject = sub
	}
	if raw, ok := claims["roles"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				principal.Roles = append(principal.Roles, s)
			}
		}
	}
	return principal, nil
}

// Require wraps a handler with authentication and a role check for one
// operation domain.
func (a *AdminAuth) Require(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Authenticate(r)
		if err != nil {
			writeError(w, a.logger, err)
			return
		}
		if !principal.HasRole(role) {
			writeError(w, a.logger, gateerr.Newf(gateerr.KindForbidden,
				"role %s required", role))
			return
		}
		ctx := context.WithValue(r.Context(), ctxkey.PrincipalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// principalFrom returns the authenticated principal, if any.
func principalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxkey.PrincipalKey{}).(*Principal)
	return p
}
