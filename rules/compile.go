package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk document shape: one or more rules per file.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Compile loads every .yaml/.yml file under ruleDir and compiles the
// result into an immutable RuleSet. Any invalid rule fails the whole
// compile: detection coverage must never silently degrade.
func Compile(ruleDir string, logger *zap.SugaredLogger) (*RuleSet, error) {
	entries, err := os.ReadDir(ruleDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule directory %s: %w", ruleDir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, filepath.Join(ruleDir, name))
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		return nil, fmt.Errorf("no rule files found in %s", ruleDir)
	}

	rs := &RuleSet{}
	seen := make(map[string]string) // rule name -> file
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
		}

		var doc ruleFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse rule file %s: %w", path, err)
		}

		for i := range doc.Rules {
			cr, err := compileRule(doc.Rules[i])
			if err != nil {
				return nil, fmt.Errorf("rule %q in %s: %w", doc.Rules[i].Name, path, err)
			}
			if prev, dup := seen[cr.rule.Name]; dup {
				return nil, fmt.Errorf("duplicate rule name %q in %s (first defined in %s)", cr.rule.Name, path, prev)
			}
			seen[cr.rule.Name] = path
			rs.rules = append(rs.rules, cr)
		}
	}

	logger.Infow("Ruleset compiled", "dir", ruleDir, "files", len(files), "rules", rs.Len())
	return rs, nil
}

func compileRule(r Rule) (compiledRule, error) {
	if r.Name == "" {
		return compiledRule{}, fmt.Errorf("rule name is required")
	}
	if len(r.Strings) == 0 {
		return compiledRule{}, fmt.Errorf("at least one string pattern is required")
	}

	all := false
	switch r.Condition {
	case "", "any":
	case "all":
		all = true
	default:
		return compiledRule{}, fmt.Errorf("unknown condition %q (want any or all)", r.Condition)
	}

	cr := compiledRule{rule: r, all: all}
	for i, p := range r.Strings {
		if p.Value == "" {
			return compiledRule{}, fmt.Errorf("string %d has an empty value", i)
		}
		id := p.ID
		if id == "" {
			id = fmt.Sprintf("s%d", i)
		}
		switch p.Type {
		case "", "literal":
			cr.patterns = append(cr.patterns, compiledPattern{id: id, literal: []byte(p.Value)})
		case "regex":
			re, err := regexp.Compile(p.Value)
			if err != nil {
				return compiledRule{}, fmt.Errorf("string %s has an invalid regex: %w", id, err)
			}
			cr.patterns = append(cr.patterns, compiledPattern{id: id, regex: re})
		default:
			return compiledRule{}, fmt.Errorf("string %s has unknown type %q (want literal or regex)", id, p.Type)
		}
	}
	return cr, nil
}
