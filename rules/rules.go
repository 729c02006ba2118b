// Package rules compiles detection rules from a directory of YAML files
// into an immutable, concurrently-readable matcher. The matching engine is
// deliberately behind the Matcher interface so an external engine can be
// swapped in without touching the scan pipeline.
package rules

import (
	"bytes"
	"regexp"
)

// Rule is one detection rule as authored in a YAML rule file.
type Rule struct {
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace"`
	Tags      []string          `yaml:"tags"`
	Meta      map[string]string `yaml:"meta"`
	Strings   []Pattern         `yaml:"strings"`
	// Condition is "any" (default) or "all" over the declared strings.
	Condition string `yaml:"condition"`
}

// Pattern is a single string declaration inside a rule.
type Pattern struct {
	ID    string `yaml:"id"`
	Type  string `yaml:"type"` // literal (default) or regex
	Value string `yaml:"value"`
}

// StringMatch records which declared pattern matched and at what offset.
type StringMatch struct {
	ID     string `json:"id"`
	Offset int    `json:"offset"`
}

// Match is one rule firing against a byte blob.
type Match struct {
	Rule    Rule          `json:"rule"`
	Strings []StringMatch `json:"strings"`
}

// Matcher screens opaque byte blobs against a compiled ruleset.
// Implementations must be safe for concurrent use.
type Matcher interface {
	Match(data []byte) []Match
}

// compiledPattern is a Pattern with its matcher prepared at compile time.
type compiledPattern struct {
	id      string
	literal []byte         // non-nil for literal patterns
	regex   *regexp.Regexp // non-nil for regex patterns
}

// compiledRule is an immutable rule with all patterns compiled.
type compiledRule struct {
	rule     Rule
	patterns []compiledPattern
	all      bool
}

// RuleSet is an immutable compiled ruleset. It implements Matcher and is
// never mutated after Compile returns; reload replaces the whole snapshot.
type RuleSet struct {
	rules []compiledRule
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Names returns the names of all compiled rules, in load order.
func (rs *RuleSet) Names() []string {
	names := make([]string, 0, len(rs.rules))
	for _, cr := range rs.rules {
		names = append(names, cr.rule.Name)
	}
	return names
}

// Match screens data against every rule and returns one Match per rule
// whose condition is satisfied. Safe for concurrent use.
func (rs *RuleSet) Match(data []byte) []Match {
	var matches []Match
	for _, cr := range rs.rules {
		if m, ok := cr.match(data); ok {
			matches = append(matches, m)
		}
	}
	return matches
}

func (cr *compiledRule) match(data []byte) (Match, bool) {
	var hits []StringMatch
	for _, p := range cr.patterns {
		off := p.find(data)
		if off < 0 {
			if cr.all {
				return Match{}, false
			}
			continue
		}
		hits = append(hits, StringMatch{ID: p.id, Offset: off})
	}
	if len(hits) == 0 {
		return Match{}, false
	}
	if cr.all && len(hits) < len(cr.patterns) {
		return Match{}, false
	}
	return Match{Rule: cr.rule, Strings: hits}, true
}

func (p *compiledPattern) find(data []byte) int {
	if p.literal != nil {
		return bytes.Index(data, p.literal)
	}
	loc := p.regex.FindIndex(data)
	if loc == nil {
		return -1
	}
	return loc[0]
}
