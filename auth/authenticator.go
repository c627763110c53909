// Copyright 2022 The livesub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth resolves connection credentials to principals and decides which
// subscriptions a principal may open.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/alwitt/livesub/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt"
)

// ErrInvalidCredential the credential did not resolve to a principal
var ErrInvalidCredential = errors.New("invalid credential")

// ErrInvalidSigningMethod the token is not HMAC signed
var ErrInvalidSigningMethod = errors.New("invalid signing method")

// Principal is an authenticated identity
type Principal struct {
	ID       string
	TenantID string
	Roles    []string
}

// HasRole whether the principal holds the role
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, held := range p.Roles {
		if held == role {
			return true
		}
	}
	return false
}

// String toString function
func (p *Principal) String() string {
	if p == nil {
		return "ANONYMOUS"
	}
	return fmt.Sprintf("PRINCIPAL[%s@%s]", p.ID, p.TenantID)
}

// Authenticator resolves a credential to a principal
type Authenticator interface {
	// Authenticate resolve the credential. Returns ErrInvalidCredential on rejection.
	Authenticate(ctx context.Context, credential string) (*Principal, error)
}

// ==============================================================================

// jwtAuthenticator implements Authenticator with HMAC signed JWTs
type jwtAuthenticator struct {
	common.Component
	secret      []byte
	issuer      string
	tenantClaim string
	rolesClaim  string
}

// GetJWTAuthenticator define an Authenticator accepting HMAC signed JWTs. The principal
// is the "sub" claim.
func GetJWTAuthenticator(cfg common.JWTAuthConfig) (Authenticator, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}
	return &jwtAuthenticator{
		Component: common.Component{
			LogTags: log.Fields{"module": "auth", "component": "jwt-authenticator"},
		},
		secret:      []byte(cfg.Secret),
		issuer:      cfg.Issuer,
		tenantClaim: cfg.TenantClaim,
		rolesClaim:  cfg.RolesClaim,
	}, nil
}

// Authenticate resolve the credential
func (a *jwtAuthenticator) Authenticate(ctx context.Context, credential string) (*Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed, err := jwt.Parse(credential, func(parsed *jwt.Token) (interface{}, error) {
		if _, ok := parsed.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSigningMethod
		}
		return a.secret, nil
	})
	if err != nil || parsed == nil || !parsed.Valid {
		log.WithError(err).WithFields(a.LogTags).Debug("Token rejected")
		return nil, fmt.Errorf("%w: token rejected", ErrInvalidCredential)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims", ErrInvalidCredential)
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return nil, fmt.Errorf("%w: wrong issuer", ErrInvalidCredential)
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	tenant, _ := claims[a.tenantClaim].(string)
	if tenant == "" {
		return nil, fmt.Errorf("%w: missing %s claim", ErrInvalidCredential, a.tenantClaim)
	}
	principal := &Principal{ID: subject, TenantID: tenant}
	switch roles := claims[a.rolesClaim].(type) {
	case []interface{}:
		for _, role := range roles {
			if name, ok := role.(string); ok {
				principal.Roles = append(principal.Roles, name)
			}
		}
	case string:
		principal.Roles = []string{roles}
	}
	return principal, nil
}

// ==============================================================================

// staticTokenAuthenticator implements Authenticator over a fixed token table
type staticTokenAuthenticator struct {
	common.Component
	tokens []common.StaticToken
}

// GetStaticTokenAuthenticator define an Authenticator over pre-shared tokens
func GetStaticTokenAuthenticator(tokens []common.StaticToken) Authenticator {
	return &staticTokenAuthenticator{
		Component: common.Component{
			LogTags: log.Fields{"module": "auth", "component": "static-token-authenticator"},
		},
		tokens: tokens,
	}
}

// Authenticate resolve the credential
func (a *staticTokenAuthenticator) Authenticate(
	ctx context.Context, credential string,
) (*Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, token := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(token.Token), []byte(credential)) == 1 {
			roles := make([]string, len(token.Roles))
			copy(roles, token.Roles)
			return &Principal{ID: token.Principal, TenantID: token.Tenant, Roles: roles}, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown token", ErrInvalidCredential)
}
