package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	SweeperSubject = "sweeper"
	tokenIssuer    = "report-pipeline"
)

// GenerateSweeperJWT signs a short lived token accepted by the sweeper trigger.
func GenerateSweeperJWT(secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    tokenIssuer,
		Subject:   SweeperSubject,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign sweeper token: %s", err)
	}
	return signed, nil
}

type SweeperAuthenticator struct {
	secret []byte
}

func NewSweeperAuthenticator(secret []byte) (*SweeperAuthenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("sweeper secret is empty")
	}
	return &SweeperAuthenticator{secret: secret}, nil
}

func (sa *SweeperAuthenticator) Authenticate(token string) (Caller, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithSubject(SweeperSubject),
	)

	var claims jwt.RegisteredClaims
	t, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return sa.secret, nil
	})
	if err != nil {
		return Caller{}, fmt.Errorf("failed to authenticate token: %w", err)
	}
	if !t.Valid {
		return Caller{}, fmt.Errorf("failed to parse or validate token")
	}

	return Caller{Subject: claims.Subject, ExpireAt: claims.ExpiresAt.Time}, nil
}

func (sa *SweeperAuthenticator) Authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || accessToken == "" {
			http.Error(w, "No token provided", http.StatusUnauthorized)
			return
		}

		caller, err := sa.Authenticate(accessToken)
		if err != nil {
			zap.S().Named("auth").Warnw("sweeper authentication failed", "error", err)
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}

		ctx := NewTokenContext(r.Context(), caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
