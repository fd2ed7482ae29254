package httpapi

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type AuthConfig struct {
	Env      string
	Issuer   string
	Audience string
	Secret   string
}

// AuthMiddleware requires an HS256 bearer token with the configured issuer
// and audience. In the local environment the literal token "dev" is accepted.
func AuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Env == "local" && strings.TrimSpace(r.Header.Get("Authorization")) == "Bearer dev" {
				next.ServeHTTP(w, r)
				return
			}

			token, err := parseBearer(r.Header.Get("Authorization"))
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}

			claims := &jwt.RegisteredClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
				if t.Method != jwt.SigningMethodHS256 {
					return nil, errors.New("unexpected signing method")
				}
				return []byte(cfg.Secret), nil
			})
			if err != nil || parsed == nil || !parsed.Valid {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			if err := validateClaims(claims, cfg); err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func parseBearer(value string) (string, error) {
	if value == "" {
		return "", errors.New("missing auth")
	}
	scheme, token, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", errors.New("invalid auth")
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errors.New("missing token")
	}
	return token, nil
}

// validateClaims checks issuer and audience only when they are configured.
func validateClaims(claims *jwt.RegisteredClaims, cfg AuthConfig) error {
	if claims == nil {
		return errors.New("missing claims")
	}
	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return errors.New("invalid issuer")
	}
	if cfg.Audience != "" && !slices.Contains(claims.Audience, cfg.Audience) {
		return errors.New("invalid audience")
	}
	return nil
}
