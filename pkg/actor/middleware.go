package actor

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medflow/stockflow-backend/pkg/errors"
	"github.com/medflow/stockflow-backend/pkg/httputil"
)

// Claims are the access token claims this service reads
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// Verifier validates HS256 access tokens issued by the auth service
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier for the shared secret. An empty issuer skips the issuer check.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses the token and returns the actor it names
func (v *Verifier) Verify(tokenString string) (*Actor, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.TokenInvalid()
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.TokenInvalid()
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return nil, errors.TokenInvalid()
	}

	return &Actor{ID: id, Email: claims.Email, RoleName: claims.Role}, nil
}

// Middleware attaches the request's actor to the context.
// Gateway headers win; otherwise a Bearer token is required. /health is open.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			if userID := r.Header.Get("X-User-ID"); userID != "" {
				a := &Actor{
					ID:       userID,
					Email:    r.Header.Get("X-User-Email"),
					RoleName: r.Header.Get("X-User-Role"),
				}
				next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), a)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.Error(w, errors.Unauthorized("missing authorization header"))
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				httputil.Error(w, errors.Unauthorized("invalid authorization header format"))
				return
			}

			a, err := v.Verify(parts[1])
			if err != nil {
				httputil.Error(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), a)))
		})
	}
}
