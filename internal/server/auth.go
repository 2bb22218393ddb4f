package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"cmsflow/internal/repo"
)

const (
	sourceJWT          = "jwt"
	sourceAPIKey       = "api_key"
	sourceLegacyHeader = "legacy_header"

	devTokenTTL = 12 * time.Hour
	tokenIssuer = "cmsflow"
)

var (
	errNoCredentials      = errors.New("authentication required")
	errInvalidCredentials = errors.New("invalid credentials")
)

// AuthConfig selects how requests are attributed to an actor. The actor
// becomes changed_by on status history and decided_by on decisions.
type AuthConfig struct {
	JWTSecret string
	// AllowLegacyActorHeader trusts X-Actor-Id when no credential is sent.
	AllowLegacyActorHeader bool
	Logger                 *slog.Logger
}

type Principal struct {
	ActorID string
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.ActorID != ""
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", errNoCredentials.Error(), nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

// signDevToken mints a short-lived HS256 token for local testing.
func signDevToken(secret, actorID string, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwtClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   actorID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(devTokenTTL)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// authenticator resolves the principal of a request. A credential that is
// present but wrong is an error even when a weaker one would succeed.
type authenticator struct {
	cfg    AuthConfig
	repo   repo.Repo
	parser *jwt.Parser
	log    *slog.Logger
}

func newAuthenticator(cfg AuthConfig, r repo.Repo) authenticator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return authenticator{
		cfg:    cfg,
		repo:   r,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
		log:    logger,
	}
}

func (a authenticator) resolve(req *http.Request) (Principal, error) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		return a.fromBearer(authz)
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		return a.fromAPIKey(req.Context(), key)
	}
	if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" && a.cfg.AllowLegacyActorHeader {
		a.log.WarnContext(req.Context(), "request attributed by X-Actor-Id without credentials",
			slog.String("actor_id", actor), slog.String("path", req.URL.Path))
		return Principal{ActorID: actor, Source: sourceLegacyHeader}, nil
	}
	return Principal{}, errNoCredentials
}

func (a authenticator) fromBearer(authz string) (Principal, error) {
	scheme, token, ok := strings.Cut(authz, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return Principal{}, errInvalidCredentials
	}
	if strings.TrimSpace(a.cfg.JWTSecret) == "" {
		return Principal{}, errInvalidCredentials
	}
	claims := &jwtClaims{}
	if _, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.JWTSecret), nil
	}); err != nil {
		return Principal{}, errInvalidCredentials
	}
	if claims.Subject == "" {
		return Principal{}, errInvalidCredentials
	}
	return Principal{ActorID: claims.Subject, Source: sourceJWT}, nil
}

func (a authenticator) fromAPIKey(ctx context.Context, key string) (Principal, error) {
	stored, err := a.repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			a.log.ErrorContext(ctx, "api key lookup failed", slog.Any("error", err))
		}
		return Principal{}, errInvalidCredentials
	}
	return Principal{ActorID: stored.ActorID, Source: sourceAPIKey}, nil
}

// newAuthMiddleware guards every route under basePath except health, dev
// login and the OpenAPI document.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	auth := newAuthenticator(cfg, r)
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
		path.Join(basePath, "openapi.json"):   true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if (basePath != "" && !strings.HasPrefix(req.URL.Path, basePath)) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			principal, err := auth.resolve(req)
			switch {
			case errors.Is(err, errNoCredentials):
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil))
				return
			case err != nil:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
