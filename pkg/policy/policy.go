package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Op identifies a policy rule
type Op string

const (
	OpEqual    Op = "equal"
	OpContains Op = "contains"
	OpOneOf    Op = "one_of"
	OpRegExp   Op = "regexp"
	OpAtLeast  Op = "at_least"
	OpAtMost   Op = "at_most"
	OpAnd      Op = "and"
	OpOr       Op = "or"
	OpNot      Op = "not"
)

// Policy is a predicate over node properties, serializable as JSON or YAML.
// A nil *Policy accepts every node.
type Policy struct {
	Op       Op        `json:"op" yaml:"op"`
	Property string    `json:"property,omitempty" yaml:"property,omitempty"`
	Value    string    `json:"value,omitempty" yaml:"value,omitempty"`
	Values   []string  `json:"values,omitempty" yaml:"values,omitempty"`
	Number   float64   `json:"number,omitempty" yaml:"number,omitempty"`
	Children []*Policy `json:"children,omitempty" yaml:"children,omitempty"`

	once    sync.Once
	pattern *regexp.Regexp
	err     error
}

// Equal accepts nodes whose property equals value
func Equal(property, value string) *Policy {
	return &Policy{Op: OpEqual, Property: property, Value: value}
}

// Contains accepts nodes whose property contains value as a substring
func Contains(property, value string) *Policy {
	return &Policy{Op: OpContains, Property: property, Value: value}
}

// OneOf accepts nodes whose property is one of values
func OneOf(property string, values ...string) *Policy {
	return &Policy{Op: OpOneOf, Property: property, Values: values}
}

// RegExp accepts nodes whose property matches the pattern
func RegExp(property, pattern string) *Policy {
	return &Policy{Op: OpRegExp, Property: property, Value: pattern}
}

// AtLeast accepts nodes whose numeric property is >= n
func AtLeast(property string, n float64) *Policy {
	return &Policy{Op: OpAtLeast, Property: property, Number: n}
}

// AtMost accepts nodes whose numeric property is <= n
func AtMost(property string, n float64) *Policy {
	return &Policy{Op: OpAtMost, Property: property, Number: n}
}

// And accepts nodes accepted by every child
func And(children ...*Policy) *Policy {
	return &Policy{Op: OpAnd, Children: children}
}

// Or accepts nodes accepted by at least one child
func Or(children ...*Policy) *Policy {
	return &Policy{Op: OpOr, Children: children}
}

// Not negates its only child
func Not(child *Policy) *Policy {
	return &Policy{Op: OpNot, Children: []*Policy{child}}
}

// Validate checks the structure of the tree and compiles regular expressions
func (p *Policy) Validate() error {
	if p == nil {
		return nil
	}
	switch p.Op {
	case OpEqual, OpContains, OpAtLeast, OpAtMost, OpOneOf:
		if p.Property == "" {
			return fmt.Errorf("%s: property is required", p.Op)
		}
	case OpRegExp:
		if p.Property == "" {
			return fmt.Errorf("%s: property is required", p.Op)
		}
		if _, err := p.compiled(); err != nil {
			return err
		}
	case OpAnd, OpOr:
		if len(p.Children) == 0 {
			return fmt.Errorf("%s: at least one child is required", p.Op)
		}
	case OpNot:
		if len(p.Children) != 1 {
			return fmt.Errorf("%s: exactly one child is required", p.Op)
		}
	default:
		return fmt.Errorf("unknown policy op %q", p.Op)
	}
	for _, c := range p.Children {
		if c == nil {
			return fmt.Errorf("%s: nil child", p.Op)
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Accepts evaluates the policy against a node's properties
func (p *Policy) Accepts(props map[string]string) bool {
	if p == nil {
		return true
	}
	switch p.Op {
	case OpEqual:
		v, ok := props[p.Property]
		return ok && v == p.Value
	case OpContains:
		v, ok := props[p.Property]
		return ok && strings.Contains(v, p.Value)
	case OpOneOf:
		v, ok := props[p.Property]
		if !ok {
			return false
		}
		for _, candidate := range p.Values {
			if v == candidate {
				return true
			}
		}
		return false
	case OpRegExp:
		v, ok := props[p.Property]
		if !ok {
			return false
		}
		re, err := p.compiled()
		return err == nil && re.MatchString(v)
	case OpAtLeast, OpAtMost:
		v, ok := props[p.Property]
		if !ok {
			return false
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return false
		}
		if p.Op == OpAtLeast {
			return n >= p.Number
		}
		return n <= p.Number
	case OpAnd:
		for _, c := range p.Children {
			if !c.Accepts(props) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range p.Children {
			if c.Accepts(props) {
				return true
			}
		}
		return false
	case OpNot:
		return len(p.Children) == 1 && !p.Children[0].Accepts(props)
	}
	return false
}

// String renders the tree in a compact prefix form, used in logs and the CLI
func (p *Policy) String() string {
	if p == nil {
		return "any"
	}
	switch p.Op {
	case OpEqual:
		return fmt.Sprintf("%s == %q", p.Property, p.Value)
	case OpContains:
		return fmt.Sprintf("%s contains %q", p.Property, p.Value)
	case OpOneOf:
		return fmt.Sprintf("%s in [%s]", p.Property, strings.Join(p.Values, ", "))
	case OpRegExp:
		return fmt.Sprintf("%s =~ /%s/", p.Property, p.Value)
	case OpAtLeast:
		return fmt.Sprintf("%s >= %g", p.Property, p.Number)
	case OpAtMost:
		return fmt.Sprintf("%s <= %g", p.Property, p.Number)
	case OpNot:
		if len(p.Children) == 1 {
			return "not(" + p.Children[0].String() + ")"
		}
	case OpAnd, OpOr:
		parts := make([]string, len(p.Children))
		for i, c := range p.Children {
			parts[i] = c.String()
		}
		return string(p.Op) + "(" + strings.Join(parts, ", ") + ")"
	}
	return string(p.Op)
}

func (p *Policy) compiled() (*regexp.Regexp, error) {
	p.once.Do(func() {
		p.pattern, p.err = regexp.Compile(p.Value)
		if p.err != nil {
			p.err = fmt.Errorf("%s: invalid pattern %q: %w", p.Op, p.Value, p.err)
		}
	})
	return p.pattern, p.err
}
