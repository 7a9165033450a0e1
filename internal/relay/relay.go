package relay

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"rwfrom/internal/config"
)

// SendFunc is the function signature for sending messages upstream.
// Extracted as a type to allow injection in tests.
type SendFunc func(cfg *config.Config, from string, recipients []string, message []byte) error

// Send connects to the upstream SMTP server and forwards a rewritten message.
// The envelope sender is from, unless cfg.DestFrom overrides it.
func Send(cfg *config.Config, from string, recipients []string, message []byte) error {
	addr := fmt.Sprintf("%s:%d", cfg.DestHost, cfg.DestPort)
	tlsConfig := &tls.Config{ServerName: cfg.DestHost}

	slog.Debug("connecting to upstream", "addr", addr)

	var client *smtp.Client
	var err error

	switch cfg.DestPort {
	case 465:
		client, err = smtp.DialTLS(addr, tlsConfig)
	case 587:
		client, err = smtp.DialStartTLS(addr, tlsConfig)
	default:
		client, err = smtp.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("relay: connect to %s: %w", addr, err)
	}
	defer client.Close()

	if cfg.DestUsername != "" {
		auth := sasl.NewPlainClient("", cfg.DestUsername, cfg.DestPassword)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("relay: auth: %w", err)
		}
		slog.Debug("relay authenticated")
	}

	envelopeFrom := EnvelopeFrom(cfg, from)
	if err := client.SendMail(envelopeFrom, recipients, bytes.NewReader(message)); err != nil {
		return fmt.Errorf("relay: send: %w", err)
	}

	slog.Debug("relay sent", "from", envelopeFrom, "recipients", recipients)

	// Message was accepted by upstream. Quit error is non-fatal since
	// the message is already delivered.
	if err := client.Quit(); err != nil {
		slog.Warn("relay: quit error (message already accepted)", "error", err)
	}

	return nil
}

// EnvelopeFrom returns the reverse-path used upstream for a client sender.
func EnvelopeFrom(cfg *config.Config, from string) string {
	if cfg.DestFrom != "" {
		return cfg.DestFrom
	}
	return from
}
