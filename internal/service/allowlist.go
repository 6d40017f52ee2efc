package service

import (
	"strings"

	"github.com/thoas/go-funk"
)

// Allowlist decides which payment tokens or sessions may receive paid
// reports without a payment.
type Allowlist interface {
	Allows(token string) bool
}

type StaticAllowlist struct {
	tokens []string
}

func NewStaticAllowlist(tokens ...string) *StaticAllowlist {
	cleaned := funk.FilterString(funk.Map(tokens, strings.TrimSpace).([]string), func(t string) bool { return t != "" })
	return &StaticAllowlist{tokens: cleaned}
}

func (a *StaticAllowlist) Allows(token string) bool {
	if token == "" {
		return false
	}
	return funk.ContainsString(a.tokens, token)
}
