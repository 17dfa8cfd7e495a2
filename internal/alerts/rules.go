package alerts

import (
	"fmt"

	"spotwatch/internal/config"
)

// RuleSet is the set of rules a service can evaluate, in configuration order.
type RuleSet struct {
	rules  []Rule
	byName map[string]Rule
}

// NewRuleSet validates and indexes the configured rules.
func NewRuleSet(cfgs []config.RuleConfig) (*RuleSet, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("%w: no rules configured", ErrInvalidRule)
	}

	rs := &RuleSet{byName: make(map[string]Rule, len(cfgs))}
	for _, rc := range cfgs {
		r := RuleFromConfig(rc)
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := rs.byName[r.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate rule %s", ErrInvalidRule, r.Name)
		}
		rs.rules = append(rs.rules, r)
		rs.byName[r.Name] = r
	}
	return rs, nil
}

// Lookup returns the named rule; an empty name selects the first rule.
func (rs *RuleSet) Lookup(name string) (Rule, error) {
	if name == "" {
		return rs.rules[0], nil
	}
	r, ok := rs.byName[name]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	return r, nil
}

// All returns the rules in configuration order.
func (rs *RuleSet) All() []Rule {
	return append([]Rule(nil), rs.rules...)
}

// Names lists rule names in configuration order.
func (rs *RuleSet) Names() []string {
	names := make([]string, len(rs.rules))
	for i, r := range rs.rules {
		names[i] = r.Name
	}
	return names
}
