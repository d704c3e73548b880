package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"budgetline/internal/repo"
)

// AuthConfig holds server-side authentication settings.
type AuthConfig struct {
	// JWTSecret signs and verifies HS256 bearer tokens.
	JWTSecret string
	// AllowLegacyUserHeader accepts X-User-Id as identity when no credential
	// is presented. Local development only.
	AllowLegacyUserHeader bool
	Logger                *log.Logger
}

// Principal is the authenticated identity attached to the request context.
type Principal struct {
	UserID string
	Source string // "jwt", "api_key", or "header"
}

type principalKey struct{}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// userIDFromContext returns the authenticated user or a 401 error for the
// handler to bubble up.
func userIDFromContext(ctx context.Context) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.UserID == "" {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return p.UserID, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

func authenticateJWT(secret, token string) (Principal, error) {
	if secret == "" {
		return Principal{}, errors.New("jwt auth not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Principal{}, errors.New("token missing subject")
	}
	return Principal{UserID: claims.Subject, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, rawKey string) (Principal, error) {
	key, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(rawKey))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Principal{}, errors.New("unknown api key")
		}
		return Principal{}, err
	}
	return Principal{UserID: key.UserID, Source: "api_key"}, nil
}

// signDevToken mints a short-lived HS256 token for local testing.
func signDevToken(secret, userID string) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
	})
	return token.SignedString([]byte(secret))
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// newAuthMiddleware resolves the request principal before huma sees the
// request. Health and dev login stay open; everything else under the base
// path requires a credential unless the legacy header fallback is enabled.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || open[strings.TrimSuffix(req.URL.Path, "/")] {
				next.ServeHTTP(w, req)
				return
			}

			var p Principal
			switch {
			case bearerToken(req) != "":
				principal, err := authenticateJWT(cfg.JWTSecret, bearerToken(req))
				if err != nil {
					respondStatusError(w, http.StatusUnauthorized, "invalid_credentials", "invalid bearer token")
					return
				}
				p = principal
			case req.Header.Get("X-Api-Key") != "":
				principal, err := authenticateAPIKey(req.Context(), r, req.Header.Get("X-Api-Key"))
				if err != nil {
					respondStatusError(w, http.StatusUnauthorized, "invalid_credentials", "invalid api key")
					return
				}
				p = principal
			case cfg.AllowLegacyUserHeader && req.Header.Get("X-User-Id") != "":
				logger.Printf("warning: accepting legacy X-User-Id header for %s", req.URL.Path)
				p = Principal{UserID: strings.TrimSpace(req.Header.Get("X-User-Id")), Source: "header"}
			default:
				respondStatusError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}

			ctx := context.WithValue(req.Context(), principalKey{}, p)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`, code, message)
}
