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

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alwitt/livesub/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	assert.Nil(t, err)
	return token
}

func TestJWTAuthenticator(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	secret := uuid.NewString()
	cfg := common.JWTAuthConfig{
		Secret: secret, Enabled: true, Issuer: "livesub-ut", TenantClaim: "tenant", RolesClaim: "roles",
	}
	uut, err := GetJWTAuthenticator(cfg)
	assert.Nil(err)

	_, err = GetJWTAuthenticator(common.JWTAuthConfig{})
	assert.NotNil(err)

	ctxt := context.Background()
	exp := time.Now().Add(time.Hour).Unix()

	// Case 0: valid token
	{
		token := signToken(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{
			"sub": "user-1", "iss": "livesub-ut", "tenant": "tenant-a",
			"roles": []string{"orders", "billing"}, "exp": exp,
		})
		principal, err := uut.Authenticate(ctxt, token)
		assert.Nil(err)
		assert.Equal("user-1", principal.ID)
		assert.Equal("tenant-a", principal.TenantID)
		assert.Equal([]string{"orders", "billing"}, principal.Roles)
		assert.True(principal.HasRole("orders"))
	}

	// Case 1: wrong secret
	{
		token := signToken(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{
			"sub": "user-1", "iss": "livesub-ut", "tenant": "tenant-a", "exp": exp,
		})
		_, err := uut.Authenticate(ctxt, token)
		assert.True(errors.Is(err, ErrInvalidCredential))
	}

	// Case 2: expired
	{
		token := signToken(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{
			"sub": "user-1", "iss": "livesub-ut", "tenant": "tenant-a",
			"exp": time.Now().Add(-time.Hour).Unix(),
		})
		_, err := uut.Authenticate(ctxt, token)
		assert.True(errors.Is(err, ErrInvalidCredential))
	}

	// Case 3: wrong issuer
	{
		token := signToken(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{
			"sub": "user-1", "iss": "elsewhere", "tenant": "tenant-a", "exp": exp,
		})
		_, err := uut.Authenticate(ctxt, token)
		assert.True(errors.Is(err, ErrInvalidCredential))
	}

	// Case 4: missing tenant
	{
		token := signToken(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{
			"sub": "user-1", "iss": "livesub-ut", "exp": exp,
		})
		_, err := uut.Authenticate(ctxt, token)
		assert.True(errors.Is(err, ErrInvalidCredential))
	}

	// Case 5: garbage
	{
		_, err := uut.Authenticate(ctxt, "not-a-token")
		assert.True(errors.Is(err, ErrInvalidCredential))
	}
}

func TestStaticTokenAuthenticator(t *testing.T) {
	assert := assert.New(t)

	token := uuid.NewString()
	uut := GetStaticTokenAuthenticator([]common.StaticToken{
		{Token: token, Principal: "user-1", Tenant: "tenant-a", Roles: []string{"orders"}},
	})

	principal, err := uut.Authenticate(context.Background(), token)
	assert.Nil(err)
	assert.Equal("user-1", principal.ID)
	assert.Equal("tenant-a", principal.TenantID)

	_, err = uut.Authenticate(context.Background(), uuid.NewString())
	assert.True(errors.Is(err, ErrInvalidCredential))

	ctxt, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = uut.Authenticate(ctxt, token)
	assert.True(errors.Is(err, context.Canceled))
}

func TestRuleAuthorizer(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	orders := &Principal{ID: "user-1", TenantID: "t", Roles: []string{"orders"}}
	plain := &Principal{ID: "user-2", TenantID: "t"}

	// Case 0: no rules
	{
		uut := GetRuleAuthorizer(nil)
		ok, err := uut.CanSubscribe(ctxt, nil, "anything", nil)
		assert.Nil(err)
		assert.True(ok)
	}

	uut := GetRuleAuthorizer([]common.AuthorizationRule{
		{Field: "orderUpdated", Roles: []string{"orders", "admin"}},
		{Field: "systemStatus", AllowAnonymous: true},
		{Field: "tick"},
	})
	type testCase struct {
		principal *Principal
		field     string
		expected  bool
	}
	for idx, tc := range []testCase{
		{orders, "orderUpdated", true},
		{plain, "orderUpdated", false},
		{nil, "orderUpdated", false},
		{nil, "systemStatus", true},
		{plain, "systemStatus", true},
		{plain, "tick", true},
		{nil, "tick", false},
		{orders, "invoicePaid", false},
	} {
		ok, err := uut.CanSubscribe(ctxt, tc.principal, tc.field, map[string]string{})
		assert.Nil(err)
		assert.Equalf(tc.expected, ok, "case %d", idx)
	}

	// Case 1: wildcard
	uut = GetRuleAuthorizer([]common.AuthorizationRule{{Field: "*", Roles: []string{"admin"}}})
	ok, err := uut.CanSubscribe(ctxt, &Principal{ID: "a", Roles: []string{"admin"}}, "x", nil)
	assert.Nil(err)
	assert.True(ok)
}
