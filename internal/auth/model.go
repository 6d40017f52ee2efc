package auth

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type tokenKeyType struct{}

var (
	tokenKey tokenKeyType
)

// Caller is the authenticated principal of an internal request.
type Caller struct {
	Subject  string
	ExpireAt time.Time
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	val := ctx.Value(tokenKey)
	if val == nil {
		return Caller{}, false
	}
	return val.(Caller), true
}

func MustHaveCaller(ctx context.Context) Caller {
	caller, found := CallerFromContext(ctx)
	if !found {
		zap.S().Named("auth").Panic("failed to find caller in context")
	}
	return caller
}

func NewTokenContext(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, tokenKey, c)
}
