/*
Copyright © 2024 Metaldeploy Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package hints parses and matches root_device hint expressions: the
// conductor-supplied "key=[op] value[,value...]" grammar that tells the
// selector which block device to provision onto.
package hints

import (
	"strconv"
	"strings"

	"github.com/metaldeploy/agent-core/pkg/agenterrors"
	"github.com/metaldeploy/agent-core/pkg/constants"
	"github.com/metaldeploy/agent-core/pkg/types"
)

// operatorTokens is ordered longest/most-specific first so a prefix check
// never matches a shorter token embedded in a longer one (e.g. "<=" must be
// tried before "<").
var operatorTokens = []types.HintOperator{
	types.OpIn, types.OpOr,
	types.OpStringEqual, types.OpStringNotEqual,
	types.OpEqual, types.OpNotEqual,
	types.OpLessOrEqual, types.OpGreaterOrEqual,
	types.OpLessThan, types.OpGreaterThan,
}

func detectOperator(expr string) (types.HintOperator, bool) {
	for _, op := range operatorTokens {
		if strings.HasPrefix(expr, string(op)) {
			return op, true
		}
	}
	return "", false
}

// extractOperatorAndValues splits a single hint expression into its
// operator (empty if none given) and its value list, mirroring
// device_hints._extract_hint_operator_and_values.
func extractOperatorAndValues(expression, hintName string) (types.HintOperator, []string, error) {
	expr := strings.ToLower(strings.TrimSpace(expression))
	if expr == "" {
		return "", nil, &agenterrors.InvalidHintError{Hint: hintName, Reason: "expression is empty"}
	}

	op, found := detectOperator(expr)
	if !found {
		return "", []string{expr}, nil
	}

	parts := strings.Split(expr, string(op))
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			values = append(values, p)
		}
	}
	return op, values, nil
}

// normalizeStringValue percent-encodes whitespace and other special
// characters in a hint value, leaving "/" untouched — mirroring
// device_hints._normalize_hint_expression's use of
// urllib.parse.quote(value, safe='/'). A hint of "foo MODEL" becomes
// "foo%20model"; by_path values keep their slashes readable.
func normalizeStringValue(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		if isUnreservedHintByte(c) || c == '/' {
			b.WriteByte(c)
		} else {
			b.WriteByte('%')
			b.WriteByte(upperHex(c >> 4))
			b.WriteByte(upperHex(c & 0x0f))
		}
	}
	return b.String()
}

func isUnreservedHintByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

func upperHex(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}

// parseBoolHint accepts the same truthy/falsy string vocabulary as oslo's
// strutils.bool_from_string (strconv.ParseBool alone rejects "yes"/"no"/
// "on"/"off", all of which root_device hints accept for "rotational").
func parseBoolHint(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "yes", "true", "on", "y", "t":
		return true, nil
	case "0", "no", "false", "off", "n", "f":
		return false, nil
	default:
		return false, &agenterrors.InvalidHintError{Hint: "rotational", Reason: "not a boolean value"}
	}
}

// ParseRootDeviceHints parses the raw "key" -> "expression" map extracted
// from the root_device kernel parameter into typed hint expressions,
// applying the implicit default operator (s== for strings, == for numeric
// and boolean) the way _append_operator_to_hints does.
func ParseRootDeviceHints(raw map[string]string) (types.RootDeviceHints, error) {
	if len(raw) == 0 {
		return types.RootDeviceHints{}, nil
	}

	var unsupported []string
	for k := range raw {
		if !constants.SupportedRootDeviceHints[k] {
			unsupported = append(unsupported, k)
		}
	}
	if len(unsupported) > 0 {
		return nil, &agenterrors.InvalidHintError{
			Hint:   strings.Join(unsupported, ","),
			Reason: "not a supported root device hint key",
		}
	}

	result := make(types.RootDeviceHints, len(raw))
	for name, expression := range raw {
		if name == "rotational" {
			val, err := parseBoolHint(expression)
			if err != nil {
				return nil, err
			}
			result[name] = types.HintExpression{
				Key:      name,
				Operator: types.OpEqual,
				Values:   []string{strconv.FormatBool(val)},
			}
			continue
		}

		op, values, err := extractOperatorAndValues(expression, name)
		if err != nil {
			return nil, err
		}

		if constants.NumericHintKeys[name] {
			for _, v := range values {
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return nil, &agenterrors.InvalidHintError{Hint: name, Reason: "not an integer value"}
				}
				if n <= 0 {
					return nil, &agenterrors.InvalidHintError{Hint: name, Reason: "must be a positive integer"}
				}
			}
			if op == "" {
				op = types.OpEqual
			}
		} else {
			normalized := make([]string, 0, len(values))
			for _, v := range values {
				normalized = append(normalized, normalizeStringValue(v))
			}
			values = normalized
			if op == "" {
				op = types.OpStringEqual
			}
		}

		result[name] = types.HintExpression{Key: name, Operator: op, Values: values}
	}

	return result, nil
}
