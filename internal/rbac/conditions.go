package rbac

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// ConditionKind tags the ConditionValue variant.
type ConditionKind uint8

const (
	ConditionScalar ConditionKind = iota + 1
	ConditionSet
)

// ConditionValue is either a single expected value or a set of allowed values.
// The zero value matches nothing.
type ConditionValue struct {
	kind   ConditionKind
	scalar string
	set    []string
}

// Scalar builds a condition requiring an exact value.
func Scalar(v string) ConditionValue {
	return ConditionValue{kind: ConditionScalar, scalar: v}
}

// Set builds a condition accepting any of the given values.
func Set(values ...string) ConditionValue {
	cp := make([]string, len(values))
	copy(cp, values)
	sort.Strings(cp)
	return ConditionValue{kind: ConditionSet, set: cp}
}

// Kind reports the variant.
func (v ConditionValue) Kind() ConditionKind { return v.kind }

// Values returns the accepted values.
func (v ConditionValue) Values() []string {
	switch v.kind {
	case ConditionScalar:
		return []string{v.scalar}
	case ConditionSet:
		out := make([]string, len(v.set))
		copy(out, v.set)
		return out
	default:
		return nil
	}
}

// Accepts reports whether actual satisfies the condition.
func (v ConditionValue) Accepts(actual string) bool {
	switch v.kind {
	case ConditionScalar:
		return actual == v.scalar
	case ConditionSet:
		i := sort.SearchStrings(v.set, actual)
		return i < len(v.set) && v.set[i] == actual
	default:
		return false
	}
}

// Equal compares two condition values.
func (v ConditionValue) Equal(o ConditionValue) bool {
	if v.kind != o.kind || v.scalar != o.scalar || len(v.set) != len(o.set) {
		return false
	}
	for i := range v.set {
		if v.set[i] != o.set[i] {
			return false
		}
	}
	return true
}

var errNullCondition = errors.New("rbac: condition value must not be null")

// MarshalJSON encodes scalars as strings and sets as arrays.
func (v ConditionValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ConditionScalar:
		return json.Marshal(v.scalar)
	case ConditionSet:
		return json.Marshal(v.set)
	default:
		return nil, errors.New("rbac: empty condition value")
	}
}

// UnmarshalJSON accepts a string or an array of strings.
func (v *ConditionValue) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return errNullCondition
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = Scalar(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("rbac: condition must be a string or list of strings: %w", err)
	}
	*v = Set(list...)
	return nil
}

// UnmarshalYAML mirrors UnmarshalJSON for seed files.
func (v *ConditionValue) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*v = Scalar(node.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return fmt.Errorf("rbac: decode condition set: %w", err)
		}
		*v = Set(list...)
		return nil
	default:
		return fmt.Errorf("rbac: condition at line %d must be a scalar or sequence", node.Line)
	}
}

// Conditions maps attribute keys to their constraint.
type Conditions map[string]ConditionValue

// Keys returns the condition keys in sorted order.
func (c Conditions) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal compares two condition maps.
func (c Conditions) Equal(o Conditions) bool {
	if len(c) != len(o) {
		return false
	}
	for k, v := range c {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Matches evaluates conditions against attrs. Empty conditions always match;
// otherwise every key must be present in attrs and accepted by its value.
func Matches(conditions Conditions, attrs Attributes) bool {
	for key, want := range conditions {
		got, ok := attrs[key]
		if !ok {
			return false
		}
		if !want.Accepts(got) {
			return false
		}
	}
	return true
}
