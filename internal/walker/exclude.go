package walker

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Action tells the walker what to do with a path matched by a pattern
type Action string

const (
	ActionExclude Action = "exclude"
	ActionInclude Action = "include"
)

// Rule binds a doublestar glob to an action
type Rule struct {
	Pattern string
	Action  Action
}

// DefaultRules prunes version-control metadata directories.
var DefaultRules = []Rule{
	{Pattern: "**/.git", Action: ActionExclude},
	{Pattern: "**/.hg", Action: ActionExclude},
	{Pattern: "**/.svn", Action: ActionExclude},
}

// Matcher decides which relative paths are pruned from a walk.
// An include rule re-admits a path that an exclude rule matched; rule order
// does not matter.
type Matcher struct {
	excludes []string
	includes []string
}

// NewMatcher validates rules and builds a Matcher. A nil or empty rule set
// excludes nothing.
func NewMatcher(rules []Rule) (*Matcher, error) {
	m := &Matcher{}
	for _, r := range rules {
		pattern := strings.TrimSpace(r.Pattern)
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", r.Pattern)
		}
		switch r.Action {
		case ActionExclude:
			m.excludes = append(m.excludes, pattern)
		case ActionInclude:
			m.includes = append(m.includes, pattern)
		default:
			return nil, fmt.Errorf("invalid action %q for pattern %q (must be exclude or include)", r.Action, r.Pattern)
		}
	}
	sort.Strings(m.excludes)
	sort.Strings(m.includes)
	return m, nil
}

// RulesFromMap converts a {pattern: action} configuration map into rules in
// a stable order.
func RulesFromMap(m map[string]Action) []Rule {
	rules := make([]Rule, 0, len(m))
	for pattern, action := range m {
		rules = append(rules, Rule{Pattern: pattern, Action: action})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Pattern < rules[j].Pattern })
	return rules
}

// Excluded reports whether rel (slash separated, relative to the walk root)
// should be skipped. Patterns without a slash also match against the base
// name, so "node_modules" prunes that directory at any depth.
func (m *Matcher) Excluded(rel string) bool {
	if m == nil || len(m.excludes) == 0 {
		return false
	}
	if !matchAny(m.excludes, rel) {
		return false
	}
	return !matchAny(m.includes, rel)
}

func matchAny(patterns []string, rel string) bool {
	base := path.Base(rel)
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
		if !strings.Contains(p, "/") {
			if ok, err := doublestar.Match(p, base); err == nil && ok {
				return true
			}
		}
	}
	return false
}
