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

package types

// HintOperator is one of the comparison operators a hint expression can
// carry. OpEqual is also the implicit default for numeric and boolean
// hints.
type HintOperator string

const (
	OpEqual              HintOperator = "=="
	OpNotEqual           HintOperator = "!="
	OpLessThan           HintOperator = "<"
	OpLessOrEqual        HintOperator = "<="
	OpGreaterThan        HintOperator = ">"
	OpGreaterOrEqual     HintOperator = ">="
	OpStringEqual        HintOperator = "s=="
	OpStringNotEqual     HintOperator = "s!="
	OpIn                 HintOperator = "<in>"
	OpOr                 HintOperator = "<or>"
)

// HintExpression is a single parsed "key OP value[,value...]" clause from a
// root_device hint string.
type HintExpression struct {
	Key      string
	Operator HintOperator
	Values   []string
}

// RootDeviceHints is the parsed form of the conductor-supplied root_device
// kernel parameter: a map from hint key to its parsed expression. An empty
// map means "no hints were supplied", not "hints failed to parse".
type RootDeviceHints map[string]HintExpression

// Keys returns the hint key set, used for "unsupported hint" error messages.
func (h RootDeviceHints) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}
