// Package milter exposes the rewrite engine to Postfix and Sendmail through
// the milter protocol.
package milter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"strings"

	"github.com/emersion/go-milter"

	"rwfrom/internal/metrics"
	"rwfrom/internal/rewrite"
)

const transport = "milter"

// headerChanger is the part of *milter.Modifier the filter needs at the end
// of a message.
type headerChanger interface {
	ChangeHeader(index int, name, value string) error
}

type headerChange struct {
	index int
	name  string
	value string
}

// Filter handles one milter connection. Connections may carry several
// messages; each MAIL FROM starts a new transaction.
type Filter struct {
	engine *rewrite.Engine
	tx     rewrite.Transaction

	fromIndex int
	pending   []headerChange
}

// NewFilter returns a filter for a single milter connection.
func NewFilter(engine *rewrite.Engine) *Filter {
	return &Filter{engine: engine}
}

var _ milter.Milter = (*Filter)(nil)

func (f *Filter) Connect(host string, family string, port uint16, addr net.IP, m *milter.Modifier) (milter.Response, error) {
	return milter.RespContinue, nil
}

func (f *Filter) Helo(name string, m *milter.Modifier) (milter.Response, error) {
	return milter.RespContinue, nil
}

func (f *Filter) MailFrom(from string, m *milter.Modifier) (milter.Response, error) {
	f.reset()
	f.tx.SetMail(trimAngles(from))
	slog.Debug("milter: MAIL FROM", "from", from)
	return milter.RespContinue, nil
}

func (f *Filter) RcptTo(rcptTo string, m *milter.Modifier) (milter.Response, error) {
	f.tx.SetRcpt(trimAngles(rcptTo))
	slog.Debug("milter: RCPT TO", "to", rcptTo)
	return milter.RespContinue, nil
}

// Header feeds one header field to the engine. Replacements are only
// recorded here; the milter protocol allows header changes at end of
// message only.
func (f *Filter) Header(name string, value string, m *milter.Modifier) (milter.Response, error) {
	f.header(name, value)
	return milter.RespContinue, nil
}

func (f *Filter) header(name, value string) {
	isFrom := strings.EqualFold(name, "From")
	if isFrom {
		f.fromIndex++
	}

	act := f.engine.OnLine(&f.tx, name+": "+strings.TrimLeft(value, " \t"))
	if act.Kind != rewrite.Replace || !isFrom {
		return
	}

	_, newValue, _ := strings.Cut(act.Line, ":")
	f.pending = append(f.pending, headerChange{
		index: f.fromIndex,
		name:  name,
		value: strings.TrimLeft(newValue, " "),
	})
	metrics.ObserveAction(transport, act)
	if act.Truncated {
		slog.Warn("milter: replacement header truncated", "rule_line", act.Rule.Line, "max", rewrite.MaxLineSize-1)
	}
}

// Headers marks the end of the header block.
func (f *Filter) Headers(h textproto.MIMEHeader, m *milter.Modifier) (milter.Response, error) {
	f.engine.OnLine(&f.tx, "")
	return milter.RespContinue, nil
}

func (f *Filter) BodyChunk(chunk []byte, m *milter.Modifier) (milter.Response, error) {
	return milter.RespContinue, nil
}

// Body applies the recorded header changes and accepts the message.
func (f *Filter) Body(m *milter.Modifier) (milter.Response, error) {
	err := f.apply(m)
	f.reset()
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues(transport).Inc()
	return milter.RespAccept, nil
}

func (f *Filter) apply(m headerChanger) error {
	for _, c := range f.pending {
		if err := m.ChangeHeader(c.index, c.name, c.value); err != nil {
			return fmt.Errorf("milter: change header %s[%d]: %w", c.name, c.index, err)
		}
		slog.Info("from header rewritten", "transport", transport, "index", c.index, "value", c.value)
	}
	return nil
}

// Abort discards the current transaction.
func (f *Filter) Abort(m *milter.Modifier) error {
	f.reset()
	return nil
}

func (f *Filter) reset() {
	f.tx.Reset()
	f.fromIndex = 0
	f.pending = nil
}

func trimAngles(addr string) string {
	return strings.TrimSuffix(strings.TrimPrefix(addr, "<"), ">")
}

// Serve accepts milter connections on network/addr until ctx is done.
func Serve(ctx context.Context, network, addr string, engine *rewrite.Engine) error {
	if network == "unix" {
		// A socket left behind by a previous run makes Listen fail.
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("milter: remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("milter: listen on %s:%s: %w", network, addr, err)
	}

	s := &milter.Server{
		NewMilter: func() milter.Milter {
			return NewFilter(engine)
		},
		Actions:  milter.OptChangeHeader,
		Protocol: milter.OptNoConnect | milter.OptNoHelo | milter.OptNoBody,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(ln)
	}()

	slog.Info("milter listening", "network", network, "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("milter shutting down...")
	err = s.Close()
	// Serve may not have registered ln with the server yet.
	if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
		err = cerr
	}
	return err
}
