package proxy

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"rwfrom/internal/config"
	"rwfrom/internal/metrics"
	"rwfrom/internal/relay"
	"rwfrom/internal/rewrite"
	"rwfrom/internal/stream"
)

const transport = "smtp"

// Backend implements smtp.Backend.
type Backend struct {
	config *config.Config
	engine *rewrite.Engine
	send   relay.SendFunc
}

// NewBackend creates a new proxy backend with the given config, rewrite
// engine and send function.
func NewBackend(cfg *config.Config, engine *rewrite.Engine, send relay.SendFunc) *Backend {
	return &Backend{config: cfg, engine: engine, send: send}
}

func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &Session{
		config: b.config,
		engine: b.engine,
		send:   b.send,
	}, nil
}

// Session implements smtp.Session and smtp.AuthSession.
type Session struct {
	config     *config.Config
	engine     *rewrite.Engine
	send       relay.SendFunc
	auth       bool
	from       string
	recipients []string
	tx         rewrite.Transaction
}

// Ensure Session implements AuthSession at compile time.
var _ smtp.AuthSession = (*Session)(nil)

// AuthMechanisms returns nil when no proxy credentials are configured, so
// AUTH is not advertised in the EHLO response.
func (s *Session) AuthMechanisms() []string {
	if !s.config.AuthRequired() {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

func (s *Session) Auth(mech string) (sasl.Server, error) {
	validate := func(username, password string) error {
		if !s.config.AuthRequired() {
			slog.Warn("auth attempted but no proxy credentials configured", "mechanism", mech)
			return smtp.ErrAuthFailed
		}
		usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(s.config.ProxyUsername)) == 1
		passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(s.config.ProxyPassword)) == 1
		if !usernameMatch || !passwordMatch {
			slog.Warn("auth failed", "mechanism", mech)
			return smtp.ErrAuthFailed
		}
		s.auth = true
		slog.Info("client authenticated", "mechanism", mech)
		return nil
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			return validate(username, password)
		}), nil
	case sasl.Login:
		return newLoginServer(validate), nil
	default:
		return nil, smtp.ErrAuthUnknownMechanism
	}
}

func (s *Session) authorized() bool {
	return s.auth || !s.config.AuthRequired()
}

// Mail starts a new transaction keyed on the client's envelope sender.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if !s.authorized() {
		return smtp.ErrAuthRequired
	}
	s.tx.Reset()
	s.recipients = nil
	s.from = from
	s.tx.SetMail(from)
	slog.Debug("MAIL FROM", "from", from)
	return nil
}

// Rcpt adds a relay recipient. The last recipient is the one rcpt rules see.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if !s.authorized() {
		return smtp.ErrAuthRequired
	}
	s.recipients = append(s.recipients, to)
	s.tx.SetRcpt(to)
	slog.Debug("RCPT TO", "to", to)
	return nil
}

func (s *Session) Data(r io.Reader) error {
	if !s.authorized() {
		return smtp.ErrAuthRequired
	}

	if len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No recipients specified",
		}
	}

	// Defense-in-depth: limit read size even though go-smtp enforces MaxMessageBytes
	raw, err := io.ReadAll(io.LimitReader(r, s.config.MaxMessageSize+1))
	if err != nil {
		slog.Error("failed to read message data", "error", err)
		return err
	}
	if int64(len(raw)) > s.config.MaxMessageSize {
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      "Message too large",
		}
	}

	slog.Info("processing message",
		"from", s.from,
		"recipients", s.recipients,
		"size", len(raw),
	)

	var out bytes.Buffer
	if err := stream.Rewrite(bytes.NewReader(raw), &out, s.engine, &s.tx, s.observe); err != nil {
		slog.Error("failed to rewrite message", "error", err)
		return err
	}
	metrics.MessagesTotal.WithLabelValues(transport).Inc()

	if err := s.send(s.config, s.from, s.recipients, out.Bytes()); err != nil {
		slog.Error("relay failed", "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 0, 0},
			Message:      fmt.Sprintf("Temporary relay error: %v", err),
		}
	}

	slog.Info("message relayed", "from", relay.EnvelopeFrom(s.config, s.from), "recipients", s.recipients)
	return nil
}

func (s *Session) observe(a rewrite.Action) {
	if a.Kind != rewrite.Replace {
		return
	}
	metrics.ObserveAction(transport, a)
	slog.Info("from header rewritten",
		"rule_line", a.Rule.Line,
		"key", a.Rule.Key.String(),
		"pattern", a.Rule.Pattern,
		"header", a.Line,
	)
	if a.Truncated {
		slog.Warn("replacement header truncated", "rule_line", a.Rule.Line, "max", rewrite.MaxLineSize-1)
	}
}

// Reset clears the mail transaction state.
// Per RFC 5321, RSET clears the sender and recipients but NOT the auth state.
func (s *Session) Reset() {
	s.from = ""
	s.recipients = nil
	s.tx.Reset()
}

func (s *Session) Logout() error {
	s.tx.Reset()
	return nil
}
