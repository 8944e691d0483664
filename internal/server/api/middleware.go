package api

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RequireJWT returns middleware enforcing an RS256 bearer token verified
// against pubKey. Only the signature algorithm RS256 is accepted; expiry
// is honored when the token carries an exp claim. Failures answer 401
// with a JSON error body and never reach the next handler.
func RequireJWT(pubKey *rsa.PublicKey, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(raw, "Bearer ")
			if !found || token == "" {
				logger.Warn("api: request without bearer token",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}

			keyFunc := func(*jwt.Token) (any, error) { return pubKey, nil }
			if _, err := jwt.Parse(token, keyFunc, jwt.WithValidMethods([]string{"RS256"})); err != nil {
				logger.Warn("api: bearer token rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LoadRSAPublicKey reads and parses the PEM-encoded RSA public key that
// read-endpoint tokens are verified against.
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("api: read jwt public key %q: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("api: parse jwt public key %q: %w", path, err)
	}
	return key, nil
}
