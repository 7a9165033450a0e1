// Package rules loads the ordered rewrite rule set.
//
// The rules file holds one rule per line, three whitespace-separated fields:
//
//	key pattern address
//
// key selects the envelope address the pattern is matched against. Only the
// first four bytes are significant: anything starting with "mail" selects the
// envelope sender, anything starting with "rcpt" the envelope recipient.
// Other keys are accepted but never match. Fields after the third are
// ignored. Blank lines and lines whose first field starts with '#' are
// skipped.
package rules

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultPath is where the rules file is looked up when none is configured.
const DefaultPath = "/etc/mail/filter-rwfrom.conf"

// Key is the envelope address a rule is keyed on.
type Key int

const (
	KeyUnknown Key = iota
	KeyMail
	KeyRcpt
)

func (k Key) String() string {
	switch k {
	case KeyMail:
		return "mail"
	case KeyRcpt:
		return "rcpt"
	default:
		return "unknown"
	}
}

// ParseKey classifies a key token by its four-byte prefix.
func ParseKey(tok string) Key {
	switch {
	case strings.HasPrefix(tok, "mail"):
		return KeyMail
	case strings.HasPrefix(tok, "rcpt"):
		return KeyRcpt
	default:
		return KeyUnknown
	}
}

// Rule is a single line of the rules file.
type Rule struct {
	Key     Key
	RawKey  string
	Pattern string
	Address string
	// Line is the 1-based line number the rule was read from.
	Line int
}

// Store is an ordered, immutable rule set. It is safe for concurrent use.
type Store struct {
	rules []Rule
}

// NewStore builds a store from already parsed rules, keeping their order.
func NewStore(rules ...Rule) *Store {
	return &Store{rules: append([]Rule(nil), rules...)}
}

// Len returns the number of rules.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// At returns the i-th rule in file order.
func (s *Store) At(i int) Rule {
	return s.rules[i]
}

// Rules returns a copy of the rules in file order.
func (s *Store) Rules() []Rule {
	if s == nil {
		return nil
	}
	return append([]Rule(nil), s.rules...)
}

// Reasons reported in ParseError.
const (
	ReasonMissingPattern = "missing pattern"
	ReasonMissingAddress = "missing address"
)

// ErrUnreadable is returned when the rules source cannot be opened or read.
var ErrUnreadable = errors.New("rules: configuration unreadable")

// ParseError reports a malformed rules line.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("rules: parse: %s at line %d", e.Reason, e.Line)
}

// LoadFile reads the rules file at path.
func LoadFile(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	defer f.Close()

	return Load(f)
}

// Load parses rules from r. Either every line parses and the complete store is
// returned, or nothing is returned at all.
func Load(r io.Reader) (*Store, error) {
	var rules []Rule

	br := bufio.NewReader(r)
	for no := 1; ; no++ {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("%w: line %d: %w", ErrUnreadable, no, err)
		}
		if line == "" && err == io.EOF {
			break
		}

		rule, ok, perr := parseLine(line, no)
		if perr != nil {
			return nil, perr
		}
		if ok {
			rules = append(rules, rule)
		}

		if err == io.EOF {
			break
		}
	}

	return &Store{rules: rules}, nil
}

func parseLine(line string, no int) (Rule, bool, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	toks := tokens(line, 3)
	if len(toks) == 0 || strings.HasPrefix(toks[0], "#") {
		return Rule{}, false, nil
	}
	if len(toks) == 1 {
		return Rule{}, false, &ParseError{Line: no, Reason: ReasonMissingPattern}
	}
	if len(toks) == 2 {
		return Rule{}, false, &ParseError{Line: no, Reason: ReasonMissingAddress}
	}

	return Rule{
		Key:     ParseKey(toks[0]),
		RawKey:  toks[0],
		Pattern: toks[1],
		Address: toks[2],
		Line:    no,
	}, true, nil
}

// tokens splits s on runs of spaces and tabs and returns at most n
// tokens. Whatever follows the last returned token is not examined.
func tokens(s string, n int) []string {
	var out []string
	for len(out) < n {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			break
		}
		end := strings.IndexAny(s, " \t")
		if end < 0 {
			end = len(s)
		}
		out = append(out, s[:end])
		s = s[end:]
	}
	return out
}
