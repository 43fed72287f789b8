package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/safar/go-checkout-store/internal/logging"
	"go.uber.org/zap"
)

// RoleStaff marks tokens allowed to move orders through fulfilment.
const RoleStaff = "staff"

type principalKey struct{}

// Principal is the caller identified by a bearer token.
type Principal struct {
	UserID string
	Role   string
}

func (p Principal) IsStaff() bool {
	return p.Role == RoleStaff
}

type tokenClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens issued elsewhere. The token
// subject is the user id and the optional role claim grants staff access.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

func (a *Authenticator) Principal(raw string) (Principal, error) {
	if len(a.secret) == 0 {
		return Principal{}, errors.New("no signing secret configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, err
	}

	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}

	return Principal{UserID: claims.Subject, Role: claims.Role}, nil
}

// Middleware rejects requests without a valid bearer token and puts the
// caller in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			respondStatus(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		p, err := a.Principal(raw)
		if err != nil {
			logging.FromContext(r.Context()).Debug("bearer token rejected", zap.Error(err))
			respondStatus(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		ctx := WithPrincipal(r.Context(), p)
		ctx = logging.ContextWithLogger(ctx, logging.FromContext(ctx).With(zap.String("user_id", p.UserID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func PrincipalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey{}).(Principal)
	return p
}

func UserIDFromContext(ctx context.Context) string {
	return PrincipalFromContext(ctx).UserID
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}
