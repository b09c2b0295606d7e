// Package auth resolves the acting identity of an HTTP request.
package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/samber/oops"
)

// ActorHeader carries the actor id when no JWT secret is configured.
const ActorHeader = "X-Actor-Id"

// RoleAdmin grants access to channel and assignment administration.
const RoleAdmin = "admin"

// Identity is the authenticated caller.
type Identity struct {
	Actor string
	Roles []string
}

// HasRole reports whether the identity carries role.
func (id Identity) HasRole(role string) bool {
	return slices.Contains(id.Roles, role)
}

// Claims are the JWT claims the middleware accepts.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

type identityKey struct{}

// WithActor returns a copy of ctx carrying actorID and no roles.
func WithActor(ctx context.Context, actorID string) context.Context {
	return WithIdentity(ctx, Identity{Actor: actorID})
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the authenticated identity, zero if none.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

// ActorFromContext returns the authenticated actor id, or "" if none.
func ActorFromContext(ctx context.Context) string {
	return FromContext(ctx).Actor
}

// Middleware authenticates requests. With a secret, a Bearer HS256 token is
// required; its subject becomes the actor and its roles claim the roles.
// Without one, the actor is taken from the X-Actor-Id header as is and
// carries no roles; that mode is for development.
func Middleware(secret []byte, log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				actor := strings.TrimSpace(r.Header.Get(ActorHeader))
				next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
				return
			}

			raw, ok := bearer(r)
			if !ok {
				deny(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			id, err := ParseToken(secret, raw)
			if err != nil {
				log.Debug("rejected token", slog.Any("error", err))
				deny(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin lets a request through only when its identity holds
// RoleAdmin or its actor is listed in admins. It must run after Middleware.
// Anonymous requests get 401, everyone else 403.
func RequireAdmin(admins []string, log *slog.Logger) func(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		if a = strings.TrimSpace(a); a != "" {
			allowed[a] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id.Actor == "" {
				deny(w, http.StatusUnauthorized, "unauthorized", "actor identity is required")
				return
			}
			if _, ok := allowed[id.Actor]; !ok && !id.HasRole(RoleAdmin) {
				log.Warn("admin access denied",
					slog.String("actor", id.Actor),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path))
				deny(w, http.StatusForbidden, "forbidden", "administrator access is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseToken validates an HS256 token and returns the identity it carries.
func ParseToken(secret []byte, raw string) (Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, oops.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Identity{}, oops.Wrapf(err, "parse token")
	}
	if claims.Subject == "" {
		return Identity{}, oops.Errorf("token has no subject")
	}
	return Identity{Actor: claims.Subject, Roles: claims.Roles}, nil
}

// IssueToken signs an HS256 token for subject with the given roles, valid
// for ttl.
func IssueToken(secret []byte, subject string, ttl time.Duration, roles ...string) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	})
	signed, err := tok.SignedString(secret)
	if err != nil {
		return "", oops.Wrapf(err, "sign token")
	}
	return signed, nil
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func deny(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": msg})
}
