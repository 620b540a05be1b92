// Package condition implements serializable predicate trees evaluated
// against orders, customers, and addresses.
//
// A RuleSet is a tree of rules: leaves compare a single subject field to an
// operand, groups recurse with all/any semantics. Rule sets round-trip
// through a stable JSON schema so they can be stored alongside a discount.
// A rule set with no rules always matches.
package condition

import (
	"encoding/json"
	"strings"

	"github.com/go-faster/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Field identifies a subject attribute a rule compares against.
type Field string

// Known fields, grouped by subject kind.
const (
	FieldOrderTotal      Field = "order.itemSubtotal"
	FieldOrderQty        Field = "order.totalQty"
	FieldOrderCouponCode Field = "order.couponCode"
	FieldOrderEmail      Field = "order.email"

	FieldCustomerEmail        Field = "customer.email"
	FieldCustomerCredentialed Field = "customer.credentialed"

	FieldAddressCountry    Field = "address.countryCode"
	FieldAddressRegion     Field = "address.administrativeArea"
	FieldAddressPostalCode Field = "address.postalCode"
	FieldAddressCity       Field = "address.city"
)

// Op is a comparison operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpContains Op = "contains"
	OpIn       Op = "in"
)

// Mode controls how a rule set combines its rules.
type Mode string

const (
	// ModeAll requires every rule to match. This is the default.
	ModeAll Mode = "all"
	// ModeAny requires at least one rule to match.
	ModeAny Mode = "any"
)

// ErrInvalidRule is returned when a serialized rule set fails validation.
var ErrInvalidRule = errors.New("invalid condition rule")

// Subject exposes field values for rule evaluation. Returning ok=false means
// the subject has no value for the field, which fails the rule.
type Subject interface {
	ConditionValue(field Field) (any, bool)
}

// Rule is either a leaf comparison (Field/Op plus one operand) or a nested
// Group. Exactly one of the two forms must be set.
type Rule struct {
	Field  Field            `json:"field,omitempty"`
	Op     Op               `json:"op,omitempty"`
	Value  string           `json:"value,omitempty"`
	Number *decimal.Decimal `json:"number,omitempty"`
	Values []string         `json:"values,omitempty"`
	Group  *RuleSet         `json:"group,omitempty"`
}

// RuleSet is a composable predicate over a single subject.
type RuleSet struct {
	Mode  Mode   `json:"mode,omitempty"`
	Rules []Rule `json:"rules,omitempty"`
}

// Parse deserializes a rule set from its JSON config and validates it.
// Empty input yields an empty (always matching) rule set.
func Parse(config []byte) (*RuleSet, error) {
	rs := &RuleSet{}
	if len(config) == 0 || string(config) == "{}" || string(config) == "null" {
		return rs, nil
	}
	if err := json.Unmarshal(config, rs); err != nil {
		return nil, errors.Wrap(err, "parse rule set")
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return rs, nil
}

// Config serializes the rule set back to its stable JSON form.
func (rs *RuleSet) Config() ([]byte, error) {
	if rs == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(rs)
}

// Validate checks every rule in the tree for structural problems.
func (rs *RuleSet) Validate() error {
	if rs == nil {
		return nil
	}
	if rs.Mode != "" && rs.Mode != ModeAll && rs.Mode != ModeAny {
		return errors.Wrapf(ErrInvalidRule, "unknown mode %q", rs.Mode)
	}
	for i := range rs.Rules {
		if err := rs.Rules[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rule) validate() error {
	if r.Group != nil {
		if r.Field != "" || r.Op != "" {
			return errors.Wrap(ErrInvalidRule, "group rule must not set field or op")
		}
		return r.Group.Validate()
	}
	if r.Field == "" {
		return errors.Wrap(ErrInvalidRule, "leaf rule requires a field")
	}
	switch r.Op {
	case OpEq, OpNe, OpContains:
	case OpLt, OpLte, OpGt, OpGte:
		if r.Number == nil {
			return errors.Wrapf(ErrInvalidRule, "op %q requires a numeric operand", r.Op)
		}
	case OpIn:
		if len(r.Values) == 0 {
			return errors.Wrapf(ErrInvalidRule, "op %q requires a value list", r.Op)
		}
	default:
		return errors.Wrapf(ErrInvalidRule, "unknown op %q", r.Op)
	}
	return nil
}

// HasRules reports whether the rule set contains at least one rule.
// Nil-safe: a nil rule set has no rules.
func (rs *RuleSet) HasRules() bool {
	return rs != nil && len(rs.Rules) > 0
}

// Matches evaluates the rule set against the subject. A nil or empty rule
// set always matches.
func (rs *RuleSet) Matches(s Subject) bool {
	if !rs.HasRules() {
		return true
	}
	if rs.Mode == ModeAny {
		return lo.SomeBy(rs.Rules, func(r Rule) bool { return r.matches(s) })
	}
	return lo.EveryBy(rs.Rules, func(r Rule) bool { return r.matches(s) })
}

func (r Rule) matches(s Subject) bool {
	if r.Group != nil {
		return r.Group.Matches(s)
	}

	v, ok := s.ConditionValue(r.Field)
	if !ok {
		return false
	}

	switch val := v.(type) {
	case decimal.Decimal:
		return r.matchesNumber(val)
	case int:
		return r.matchesNumber(decimal.NewFromInt(int64(val)))
	case int64:
		return r.matchesNumber(decimal.NewFromInt(val))
	case string:
		return r.matchesString(val)
	case bool:
		return r.matchesBool(val)
	default:
		return false
	}
}

func (r Rule) matchesNumber(v decimal.Decimal) bool {
	if r.Number == nil {
		return false
	}
	switch r.Op {
	case OpEq:
		return v.Equal(*r.Number)
	case OpNe:
		return !v.Equal(*r.Number)
	case OpLt:
		return v.LessThan(*r.Number)
	case OpLte:
		return v.LessThanOrEqual(*r.Number)
	case OpGt:
		return v.GreaterThan(*r.Number)
	case OpGte:
		return v.GreaterThanOrEqual(*r.Number)
	default:
		return false
	}
}

// String comparison is case-insensitive throughout: condition values come
// from user-entered admin config, while subject values come from checkout
// input, and the two rarely agree on casing.
func (r Rule) matchesString(v string) bool {
	switch r.Op {
	case OpEq:
		return strings.EqualFold(v, r.Value)
	case OpNe:
		return !strings.EqualFold(v, r.Value)
	case OpContains:
		return strings.Contains(strings.ToLower(v), strings.ToLower(r.Value))
	case OpIn:
		return lo.SomeBy(r.Values, func(allowed string) bool {
			return strings.EqualFold(v, allowed)
		})
	default:
		return false
	}
}

func (r Rule) matchesBool(v bool) bool {
	want := strings.EqualFold(r.Value, "true")
	switch r.Op {
	case OpEq:
		return v == want
	case OpNe:
		return v != want
	default:
		return false
	}
}
