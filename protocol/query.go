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

package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnparseableQuery the subscription query does not name a root field
var ErrUnparseableQuery = errors.New("unparseable subscription query")

// SubscriptionQuery is what is extracted from a subscription document: the root field
// and its flat arguments. Nested selections are not interpreted.
type SubscriptionQuery struct {
	// EventType is the root field name, the class of events subscribed to
	EventType string
	// Field is the response key of the root field, the alias if one is given
	Field string
	// Arguments are the root field arguments, with variables resolved
	Arguments map[string]string
}

var (
	rootFieldPattern = regexp.MustCompile(
		`^\s*subscription\b[^{]*\{\s*(?:([A-Za-z_]\w*)\s*:\s*)?([A-Za-z_]\w*)\s*(\(([^)]*)\))?`,
	)
	argumentPattern = regexp.MustCompile(
		`([A-Za-z_]\w*)\s*:\s*("(?:[^"\\]|\\.)*"|\$[A-Za-z_]\w*|[^,\s"]+)`,
	)
)

// ParseQuery extract the root field and flat arguments of a subscription document
func ParseQuery(query string, variables map[string]interface{}) (SubscriptionQuery, error) {
	match := rootFieldPattern.FindStringSubmatch(query)
	if match == nil {
		return SubscriptionQuery{}, ErrUnparseableQuery
	}
	result := SubscriptionQuery{
		EventType: match[2], Field: match[2], Arguments: map[string]string{},
	}
	if match[1] != "" {
		result.Field = match[1]
	}
	// Argument list present
	if match[3] != "" {
		rawArgs := strings.TrimSpace(match[4])
		if rawArgs == "" {
			return SubscriptionQuery{}, fmt.Errorf("%w: empty argument list", ErrUnparseableQuery)
		}
		args := argumentPattern.FindAllStringSubmatch(rawArgs, -1)
		if len(args) == 0 {
			return SubscriptionQuery{}, fmt.Errorf(
				"%w: invalid arguments '%s'", ErrUnparseableQuery, rawArgs,
			)
		}
		for _, arg := range args {
			value, err := resolveArgument(arg[2], variables)
			if err != nil {
				return SubscriptionQuery{}, err
			}
			result.Arguments[arg[1]] = value
		}
	}
	return result, nil
}

// resolveArgument turn one literal or variable reference into its string value
func resolveArgument(raw string, variables map[string]interface{}) (string, error) {
	switch {
	case strings.HasPrefix(raw, `"`):
		value, err := strconv.Unquote(raw)
		if err != nil {
			return "", fmt.Errorf("%w: bad string literal %s", ErrUnparseableQuery, raw)
		}
		return value, nil
	case strings.HasPrefix(raw, "$"):
		name := raw[1:]
		value, ok := variables[name]
		if !ok || value == nil {
			return "", fmt.Errorf("%w: variable '%s' not provided", ErrUnparseableQuery, name)
		}
		switch v := value.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		default:
			return fmt.Sprint(v), nil
		}
	default:
		return raw, nil
	}
}
