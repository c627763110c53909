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

	"github.com/alwitt/livesub/common"
	"github.com/apex/log"
)

// Authorizer decides whether a principal may open a subscription
type Authorizer interface {
	// CanSubscribe whether the principal may subscribe to the field with the arguments.
	// A nil principal is an anonymous connection.
	CanSubscribe(
		ctx context.Context, principal *Principal, field string, args map[string]string,
	) (bool, error)
}

// allowAllAuthorizer implements Authorizer, permitting everything
type allowAllAuthorizer struct{}

// GetAllowAllAuthorizer define an Authorizer which permits every subscription
func GetAllowAllAuthorizer() Authorizer {
	return allowAllAuthorizer{}
}

// CanSubscribe always true
func (allowAllAuthorizer) CanSubscribe(
	ctx context.Context, _ *Principal, _ string, _ map[string]string,
) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return true, nil
}

// ==============================================================================

// ruleAuthorizer implements Authorizer over a list of field rules
type ruleAuthorizer struct {
	common.Component
	rules []common.AuthorizationRule
}

// GetRuleAuthorizer define an Authorizer which permits a subscription if any rule for
// the field (or "*") admits the principal. A field with no rule is denied.
func GetRuleAuthorizer(rules []common.AuthorizationRule) Authorizer {
	if len(rules) == 0 {
		return GetAllowAllAuthorizer()
	}
	return &ruleAuthorizer{
		Component: common.Component{
			LogTags: log.Fields{"module": "auth", "component": "rule-authorizer"},
		},
		rules: rules,
	}
}

// CanSubscribe whether the principal may subscribe to the field
func (a *ruleAuthorizer) CanSubscribe(
	ctx context.Context, principal *Principal, field string, _ map[string]string,
) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, rule := range a.rules {
		if rule.Field != "*" && rule.Field != field {
			continue
		}
		if principal == nil {
			if rule.AllowAnonymous {
				return true, nil
			}
			continue
		}
		if len(rule.Roles) == 0 {
			return true, nil
		}
		for _, role := range rule.Roles {
			if principal.HasRole(role) {
				return true, nil
			}
		}
	}
	log.WithFields(a.LogTags).Debugf("Denied %s subscribing to %s", principal, field)
	return false, nil
}
