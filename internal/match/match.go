// Package match implements the glob patterns used by rewrite rules.
//
// A pattern is matched byte-wise and case-sensitively against the whole
// subject. '*' matches any run of bytes, including the empty run, and '?'
// matches exactly one byte. Every other byte, '[' included, is literal.
package match

import "strings"

// MatchPattern reports whether subject matches pattern in full.
func MatchPattern(subject, pattern string) bool {
	var (
		s, p = 0, 0
		// Position after the last '*' seen and the subject offset it is
		// currently assumed to cover up to. -1 means no star yet.
		starP, starS = -1, 0
	)
	for s < len(subject) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			starP = p + 1
			starS = s
			p++
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == subject[s]):
			s++
			p++
		case starP >= 0:
			// Let the last star swallow one more byte and retry.
			starS++
			s = starS
			p = starP
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// MatchPatternList matches subject against a comma-separated list of
// patterns. Entries are tried left to right and the first entry that matches
// decides: a plain entry yields true, an entry prefixed with '!' yields false.
// Commas are hard separators, no whitespace is trimmed.
//
// When no entry matches the result is false. Setting invertOnFinalMismatch
// turns that no-match result into true; it has no effect once an entry matches.
func MatchPatternList(subject, list string, invertOnFinalMismatch bool) bool {
	for _, entry := range strings.Split(list, ",") {
		negated := strings.HasPrefix(entry, "!")
		if negated {
			entry = entry[1:]
		}
		if MatchPattern(subject, entry) {
			return !negated
		}
	}
	return invertOnFinalMismatch
}
