package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wneessen/go-mail"

	"github.com/ecoswap/ecoswap-api/internal/config"
)

// Mailer sends notifications as multipart email over SMTP. Transport
// settings are fixed at construction.
type Mailer struct {
	cfg config.SMTPConfig
}

// NewMailer creates a mailer for cfg.
func NewMailer(cfg config.SMTPConfig) *Mailer {
	return &Mailer{cfg: cfg}
}

// Notify renders n and delivers it. Returns ErrNotConfigured when no
// credentials were supplied.
func (m *Mailer) Notify(ctx context.Context, n Notification) error {
	if !m.cfg.Enabled() {
		return ErrNotConfigured
	}

	msg, err := m.buildMessage(n)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(m.cfg.Host, m.clientOptions()...)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %s email: %w", n.Kind, err)
	}

	log.Debug().
		Str("kind", string(n.Kind)).
		Str("recipient", n.Recipient).
		Msg("email sent")
	return nil
}

func (m *Mailer) buildMessage(n Notification) (*mail.Msg, error) {
	subject, text, html, err := Render(n)
	if err != nil {
		return nil, err
	}

	msg := mail.NewMsg()
	if err := msg.FromFormat(m.cfg.FromName, m.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(n.Recipient); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, text)
	msg.AddAlternativeString(mail.TypeTextHTML, html)
	return msg, nil
}

// clientOptions picks implicit TLS on 465 and mandatory STARTTLS
// elsewhere.
func (m *Mailer) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.cfg.Username),
		mail.WithPassword(m.cfg.Password),
	}
	if m.cfg.Port == 465 {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	return opts
}
