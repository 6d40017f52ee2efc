package auth

import (
	"net/http"

	"go.uber.org/zap"
)

type Authenticator interface {
	Authenticator(next http.Handler) http.Handler
}

const (
	SweeperAuthentication string = "sweeper"
	NoneAuthentication    string = "none"
)

// NewSweeperAuthenticatorFromSecret protects the internal sweeper trigger.
// Without a secret every caller is let through, which is only meant for development.
func NewSweeperAuthenticatorFromSecret(secret string) (Authenticator, error) {
	if secret == "" {
		zap.S().Named("auth").Warnf("authentication: '%s', sweeper trigger is open", NoneAuthentication)
		return openAuthenticator{}, nil
	}
	zap.S().Named("auth").Infof("authentication: '%s'", SweeperAuthentication)
	return NewSweeperAuthenticator([]byte(secret))
}

// openAuthenticator treats every request as coming from the sweeper.
type openAuthenticator struct{}

func (openAuthenticator) Authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			zap.S().Named("auth").Debugw("ignoring bearer token, sweeper secret is not set", "path", r.URL.Path)
		}
		ctx := NewTokenContext(r.Context(), Caller{Subject: SweeperSubject})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
