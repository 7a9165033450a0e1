// Package opensmtpd implements the OpenSMTPD filter protocol on a pair of
// streams, usually the filter process's stdin and stdout.
//
// smtpd sends its configuration, then one event per line:
//
//	report|<version>|<timestamp>|smtp-in|<event>|<session>|<params...>
//	filter|<version>|<timestamp>|smtp-in|<phase>|<session>|<token>|<params...>
//
// The filter subscribes to the transaction reports it needs to learn the
// envelope addresses and to the data-line phase, which it answers with a
// filter-dataline line for every message line it is given.
package opensmtpd

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"rwfrom/internal/metrics"
	"rwfrom/internal/rewrite"
)

const transport = "opensmtpd"

// Largest input line accepted from smtpd.
const maxInputLine = 1 << 20

var reportEvents = []string{
	"tx-begin",
	"tx-mail",
	"tx-rcpt",
	"tx-reset",
	"tx-rollback",
	"tx-commit",
	"link-disconnect",
}

// Filter speaks the filter protocol for a single smtpd process. Every smtpd
// session gets its own transaction.
type Filter struct {
	engine   *rewrite.Engine
	in       *bufio.Scanner
	out      *bufio.Writer
	sessions map[string]*rewrite.Transaction
}

// New returns a filter reading events from r and writing responses to w.
func New(engine *rewrite.Engine, r io.Reader, w io.Writer) *Filter {
	in := bufio.NewScanner(r)
	in.Buffer(make([]byte, 64*1024), maxInputLine)

	return &Filter{
		engine:   engine,
		in:       in,
		out:      bufio.NewWriter(w),
		sessions: make(map[string]*rewrite.Transaction),
	}
}

// Run performs the registration handshake and then processes events until
// the input is closed. A closed input is a normal shutdown and returns nil.
func (f *Filter) Run() error {
	ready, err := f.readConfig()
	if err != nil || !ready {
		return err
	}
	if err := f.register(); err != nil {
		return err
	}

	for f.in.Scan() {
		if err := f.handle(f.in.Text()); err != nil {
			return err
		}
	}
	if err := f.in.Err(); err != nil {
		return fmt.Errorf("opensmtpd: read: %w", err)
	}
	return nil
}

func (f *Filter) readConfig() (bool, error) {
	for f.in.Scan() {
		line := f.in.Text()
		if line == "config|ready" {
			return true, nil
		}
		if !strings.HasPrefix(line, "config|") {
			return false, fmt.Errorf("opensmtpd: unexpected line during configuration: %q", line)
		}
		slog.Debug("opensmtpd: config", "line", line)
	}
	if err := f.in.Err(); err != nil {
		return false, fmt.Errorf("opensmtpd: read config: %w", err)
	}
	return false, nil
}

func (f *Filter) register() error {
	for _, ev := range reportEvents {
		fmt.Fprintf(f.out, "register|report|smtp-in|%s\n", ev)
	}
	fmt.Fprintln(f.out, "register|filter|smtp-in|data-line")
	fmt.Fprintln(f.out, "register|ready")
	return f.out.Flush()
}

func (f *Filter) handle(line string) error {
	atoms := strings.Split(line, "|")
	if len(atoms) < 6 {
		return fmt.Errorf("opensmtpd: missing atoms: %q", line)
	}

	version, kind, event := atoms[1], atoms[0], atoms[4]
	switch kind {
	case "report":
		f.report(version, event, atoms[5], atoms[6:])
		return nil
	case "filter":
		if len(atoms) < 7 {
			return fmt.Errorf("opensmtpd: missing atoms: %q", line)
		}
		if event != "data-line" {
			return fmt.Errorf("opensmtpd: unregistered filter phase %s", event)
		}
		session, token := atoms[5], atoms[6]
		if !atLeast(version, 0, 5) {
			session, token = token, session
		}
		return f.dataLine(version, session, token, strings.Join(atoms[7:], "|"))
	default:
		return fmt.Errorf("opensmtpd: invalid stream: %s", kind)
	}
}

func (f *Filter) transaction(session string) *rewrite.Transaction {
	tx, ok := f.sessions[session]
	if !ok {
		tx = &rewrite.Transaction{}
		f.sessions[session] = tx
	}
	return tx
}

func (f *Filter) report(version, event, session string, params []string) {
	switch event {
	case "tx-begin", "tx-reset", "tx-rollback":
		f.transaction(session).Reset()
	case "tx-commit":
		f.transaction(session).Reset()
		metrics.MessagesTotal.WithLabelValues(transport).Inc()
	case "tx-mail", "tx-rcpt":
		addr, ok := envelopeAddress(version, params)
		if !ok {
			return
		}
		if event == "tx-mail" {
			f.transaction(session).SetMail(addr)
		} else {
			f.transaction(session).SetRcpt(addr)
		}
		slog.Debug("opensmtpd: envelope", "session", session, "event", event, "address", addr)
	case "link-disconnect":
		delete(f.sessions, session)
	}
}

// envelopeAddress extracts the address of a successful tx-mail or tx-rcpt
// report. Up to protocol 0.5 the address precedes the result.
func envelopeAddress(version string, params []string) (string, bool) {
	if len(params) < 3 {
		return "", false
	}
	result, addr := params[1], params[2]
	if !atLeast(version, 0, 6) {
		addr, result = params[1], params[2]
	}
	if result != "ok" {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(addr, "<"), ">"), true
}

func (f *Filter) dataLine(version, session, token, line string) error {
	act := f.engine.OnLine(f.transaction(session), line)
	if act.Kind == rewrite.Replace {
		metrics.ObserveAction(transport, act)
		slog.Info("from header rewritten", "transport", transport, "session", session, "rule_line", act.Rule.Line)
		if act.Truncated {
			slog.Warn("opensmtpd: replacement header truncated", "session", session, "max", rewrite.MaxLineSize-1)
		}
	}

	if atLeast(version, 0, 5) {
		fmt.Fprintf(f.out, "filter-dataline|%s|%s|%s\n", session, token, act.Line)
	} else {
		fmt.Fprintf(f.out, "filter-dataline|%s|%s|%s\n", token, session, act.Line)
	}
	return f.out.Flush()
}

// atLeast reports whether a protocol version such as "0.7" is at least
// major.minor. Unparsable versions are treated as the newest protocol.
func atLeast(version string, major, minor int) bool {
	ma, mi, ok := strings.Cut(version, ".")
	if !ok {
		return true
	}
	vMajor, err1 := strconv.Atoi(ma)
	vMinor, err2 := strconv.Atoi(mi)
	if err1 != nil || err2 != nil {
		return true
	}
	if vMajor != major {
		return vMajor > major
	}
	return vMinor >= minor
}
