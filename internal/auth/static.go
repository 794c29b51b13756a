// Package auth implements session token authorization for ingestion writes.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
)

// Config maps session tokens to the tenant they may write to.
type Config struct {
	// Tokens maps a bearer token to its tenant ID.
	Tokens map[string]string `mapstructure:"tokens"`
	// Enabled turns authorization checks on. When disabled every token is
	// accepted for every tenant, for local development only.
	Enabled bool `mapstructure:"enabled"`
}

// StaticAuthorizer checks tokens against a static token-to-tenant table.
type StaticAuthorizer struct {
	tokens  map[string]string
	enabled bool
}

// NewStatic builds a StaticAuthorizer from config.
func NewStatic(cfg Config) (*StaticAuthorizer, error) {
	if cfg.Enabled && len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("auth.tokens must be set when auth is enabled")
	}
	tokens := make(map[string]string, len(cfg.Tokens))
	for token, tenant := range cfg.Tokens {
		if strings.TrimSpace(token) == "" || strings.TrimSpace(tenant) == "" {
			return nil, fmt.Errorf("auth.tokens entries must be non-empty")
		}
		tokens[token] = tenant
	}
	return &StaticAuthorizer{tokens: tokens, enabled: cfg.Enabled}, nil
}

// Authorize reports whether the token may act on behalf of the tenant.
func (a *StaticAuthorizer) Authorize(_ context.Context, token, tenantID string) (bool, error) {
	if !a.enabled {
		return true, nil
	}
	if token == "" || tenantID == "" {
		return false, nil
	}
	for candidate, tenant := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return tenant == tenantID, nil
		}
	}
	return false, nil
}
