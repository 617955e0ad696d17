// Package checks selects the validation group to run against a database.
//
// Databases are classified by matching their URI against an ordered rule
// table; the first matching rule decides the group. A database that matches
// no rule needs no validation and is copied directly.
package checks

import "regexp"

var (
	corePattern      = regexp.MustCompile(`.*[a-z]_(core|rnaseq|cdna|otherfeatures)_[0-9].*`)
	variationPattern = regexp.MustCompile(`.*[a-z]_variation_[0-9].*`)
	funcgenPattern   = regexp.MustCompile(`.*[a-z]_funcgen_[0-9].*`)
	comparaPattern   = regexp.MustCompile(`.*[a-z]_compara_[0-9].*`)
)

// Rule maps a database URI pattern to a named validation group.
type Rule struct {
	Pattern *regexp.Regexp
	Group   string
}

// DefaultRules returns the rule table for the configured group names.
// Order matters: a core-like database wins over every later rule.
// Group names are passed in rather than read from config to keep the
// domain free of configuration imports.
func DefaultRules(core, variation, funcgen, compara string) []Rule {
	return []Rule{
		{Pattern: corePattern, Group: core},
		{Pattern: variationPattern, Group: variation},
		{Pattern: funcgenPattern, Group: funcgen},
		{Pattern: comparaPattern, Group: compara},
	}
}

// Classify returns the validation group for a database URI. ok is false when
// no rule matches, meaning validation is skipped for this database.
func Classify(uri string, rules []Rule) (group string, ok bool) {
	for _, r := range rules {
		if r.Pattern.MatchString(uri) {
			return r.Group, true
		}
	}
	return "", false
}
