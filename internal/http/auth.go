package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

// Identity is the authenticated caller. UserID is the owner of every lock and
// booking the caller creates.
type Identity struct {
	UserID string
	Role   string
}

func (i Identity) Admin() bool { return i.Role == RoleAdmin }

// Claims are issued by the account service; this service only verifies them.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type ctxKey int

const (
	identityKey ctxKey = iota
	loggerKey
)

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

var errUnauthenticated = errors.New("unauthenticated")

// JWTMiddleware verifies the HS256 bearer token and stores the caller identity
// in the request context.
func JWTMiddleware(secret []byte) func(next http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	keyFunc := func(*jwt.Token) (interface{}, error) { return secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeJSON(w, http.StatusUnauthorized, errorBody{Kind: "Unauthenticated", Message: "missing bearer token"})
				return
			}
			var claims Claims
			if _, err := parser.ParseWithClaims(raw, &claims, keyFunc); err != nil {
				loggerFrom(r.Context()).WithError(err).Debug("rejected bearer token")
				writeJSON(w, http.StatusUnauthorized, errorBody{Kind: "Unauthenticated", Message: errUnauthenticated.Error()})
				return
			}
			if claims.Subject == "" {
				writeJSON(w, http.StatusUnauthorized, errorBody{Kind: "Unauthenticated", Message: "token has no subject"})
				return
			}
			ctx := WithIdentity(r.Context(), Identity{UserID: claims.Subject, Role: claims.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects callers whose token does not carry role.
func RequireRole(role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok || id.Role != role {
				writeJSON(w, http.StatusForbidden, errorBody{Kind: "Forbidden", Message: "role " + role + " required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
