package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"ucplink/internal/config"
)

// newAuthMiddleware gates the session endpoints behind the configured
// bearer token or an HS256 JWT. An empty auth config leaves the API
// open. Discovery documents and the MCP bridge are always public.
func newAuthMiddleware(basePath string, cfg *config.Config) func(http.Handler) http.Handler {
	mcpPath := basePath + "/mcp"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || req.URL.Path == mcpPath {
				next.ServeHTTP(w, req)
				return
			}
			if cfg == nil || (cfg.Auth.BearerToken == "" && cfg.Auth.JWTSecret == "") {
				next.ServeHTTP(w, req)
				return
			}

			token, ok := bearerToken(req.Header.Get("Authorization"))
			if !ok {
				respondUnauthorized(w, "missing Authorization bearer token")
				return
			}
			if cfg.Auth.BearerToken != "" &&
				subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Auth.BearerToken)) == 1 {
				next.ServeHTTP(w, req)
				return
			}
			if cfg.Auth.JWTSecret != "" {
				if err := validateJWT(token, cfg.Auth.JWTSecret); err == nil {
					next.ServeHTTP(w, req)
					return
				}
			}
			respondUnauthorized(w, "invalid Authorization bearer token")
		})
	}
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(strings.TrimSpace(authz))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func validateJWT(token, secret string) error {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parsed, err := parser.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errors.New("invalid token")
	}
	return nil
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	e := newAPIError(http.StatusUnauthorized, "unauthorized", message, "")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(e)
}
