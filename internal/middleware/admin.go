package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/templui/authmail/internal/ctxkeys"
)

const adminRole = "admin"

var ErrAdminDisabled = errors.New("admin api disabled: ADMIN_JWT_SECRET is not set")

// NewAdminToken signs an HS256 token carrying role=admin.
func NewAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrAdminDisabled
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": adminRole,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// VerifyAdminToken returns the token subject if it is a valid admin token.
func VerifyAdminToken(secret, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}
	if role, _ := claims["role"].(string); role != adminRole {
		return "", errors.New("token is not an admin token")
	}

	subject, _ := claims.GetSubject()
	return subject, nil
}

// RequireAdmin guards admin endpoints with a bearer admin token. With no
// secret configured every request is refused.
func RequireAdmin(secret string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeUnauthorized(w, http.StatusForbidden, "admin api disabled")
				return
			}

			header := r.Header.Get("Authorization")
			tokenString, found := strings.CutPrefix(header, "Bearer ")
			if !found || tokenString == "" {
				writeUnauthorized(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			subject, err := VerifyAdminToken(secret, tokenString)
			if err != nil {
				slog.Warn("admin token rejected", "error", err, "path", r.URL.Path, "ip", getClientIP(r))
				writeUnauthorized(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next(w, r.WithContext(ctxkeys.WithAdmin(r.Context(), subject)))
		}
	}
}

func writeUnauthorized(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": message,
	})
}
