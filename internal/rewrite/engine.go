// Package rewrite decides, line by line, whether the From: header of a
// message is replaced according to a rule set.
//
// An Engine is built once from a rules.Store and shared by every session.
// Each message being processed owns a Transaction that the caller passes to
// the engine on every call; the engine keeps no per-message state itself.
package rewrite

import (
	"rwfrom/internal/match"
	"rwfrom/internal/rules"
)

// MaxLineSize is the size of the buffer a replacement header line is
// composed in. Replacement lines are cut to MaxLineSize-1 bytes.
const MaxLineSize = 2048

// Result is a replacement header line produced by a matching rule.
type Result struct {
	Line string
	Rule rules.Rule
	// Truncated is set when the composed line did not fit MaxLineSize.
	Truncated bool
}

// Engine evaluates rules against transactions. It is safe for concurrent use.
type Engine struct {
	store *rules.Store
}

// NewEngine returns an engine consulting store.
func NewEngine(store *rules.Store) *Engine {
	return &Engine{store: store}
}

// Match returns the first rule in file order that applies to tx.
func (e *Engine) Match(tx *Transaction) (rules.Rule, bool) {
	for i := 0; i < e.store.Len(); i++ {
		r := e.store.At(i)

		var (
			addr string
			ok   bool
		)
		switch r.Key {
		case rules.KeyMail:
			addr, ok = tx.Mail()
		case rules.KeyRcpt:
			addr, ok = tx.Rcpt()
		}
		if ok && match.MatchPattern(addr, r.Pattern) {
			return r, true
		}
	}
	return rules.Rule{}, false
}

// TryRewrite composes the replacement for a header starting with
// headerPrefix. It reports false when no rule applies, in which case the
// original line must be kept.
func (e *Engine) TryRewrite(tx *Transaction, headerPrefix string) (Result, bool) {
	r, ok := e.Match(tx)
	if !ok {
		return Result{}, false
	}

	res := Result{Line: headerPrefix + " " + r.Address, Rule: r}
	if len(res.Line) > MaxLineSize-1 {
		res.Line = res.Line[:MaxLineSize-1]
		res.Truncated = true
	}
	return res, true
}
