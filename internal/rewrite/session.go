package rewrite

import (
	"strings"

	"rwfrom/internal/rules"
)

const fromPrefix = "From:"

// Transaction holds what is known about the message currently being
// processed. The zero value is a fresh transaction positioned in the header
// block with no envelope addresses.
type Transaction struct {
	inBody  bool
	mail    string
	hasMail bool
	rcpt    string
	hasRcpt bool
}

// SetMail records the envelope sender, replacing any previous value.
func (t *Transaction) SetMail(addr string) {
	t.mail, t.hasMail = addr, true
}

// SetRcpt records the envelope recipient, replacing any previous value.
func (t *Transaction) SetRcpt(addr string) {
	t.rcpt, t.hasRcpt = addr, true
}

// Mail returns the envelope sender, if known.
func (t *Transaction) Mail() (string, bool) {
	return t.mail, t.hasMail
}

// Rcpt returns the envelope recipient, if known.
func (t *Transaction) Rcpt() (string, bool) {
	return t.rcpt, t.hasRcpt
}

// InHeader reports whether the end of the header block has not been seen yet.
func (t *Transaction) InHeader() bool {
	return !t.inBody
}

// Reset returns t to its initial state. Calling it on a nil transaction is
// a no-op.
func (t *Transaction) Reset() {
	if t == nil {
		return
	}
	*t = Transaction{}
}

// ActionKind tells the transport what to do with a line.
type ActionKind int

const (
	// PassThrough emits the original line.
	PassThrough ActionKind = iota
	// Replace emits Action.Line instead of the original.
	Replace
)

func (k ActionKind) String() string {
	if k == Replace {
		return "replace"
	}
	return "pass"
}

// Action is the outcome of feeding one line to the engine.
type Action struct {
	Kind ActionKind
	Line string
	// Rule and Truncated are only set for Replace.
	Rule      rules.Rule
	Truncated bool
}

// OnLine processes the next message line for tx. line carries no line
// terminator.
//
// Inside the header block every line starting with "From:" (in any case) is
// offered to the rules, not only the first one. The first empty line ends
// the header block; everything after it passes through untouched.
func (e *Engine) OnLine(tx *Transaction, line string) Action {
	if tx.inBody {
		return Action{Kind: PassThrough, Line: line}
	}
	if line == "" {
		tx.inBody = true
		return Action{Kind: PassThrough, Line: line}
	}
	if len(line) >= len(fromPrefix) && strings.EqualFold(line[:len(fromPrefix)], fromPrefix) {
		if res, ok := e.TryRewrite(tx, line[:len(fromPrefix)]); ok {
			return Action{Kind: Replace, Line: res.Line, Rule: res.Rule, Truncated: res.Truncated}
		}
	}
	return Action{Kind: PassThrough, Line: line}
}
