// Package notify delivers portal notifications.
//
// LogNotifier writes messages to the structured log and is meant for
// development only: one-time codes appear in the log. SMTPNotifier sends
// plain-text mail through a relay.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/MrEthical07/portalauth"
	"github.com/MrEthical07/portalauth/internal/logging"
)

// LogNotifier logs every notification.
type LogNotifier struct {
	log logging.Logger
}

func NewLogNotifier(log logging.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("component", "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, msg portalauth.Notification) error {
	subject, _ := render(msg)
	n.log.Info(ctx, "notification",
		"kind", string(msg.Kind),
		"to", msg.Email,
		"subject", subject,
		"purpose", string(msg.Purpose),
		"code", msg.Code,
	)
	return nil
}

// SMTPConfig configures the mail relay.
type SMTPConfig struct {
	Addr     string
	Host     string
	Username string
	Password string
	From     string
}

// SMTPNotifier sends notifications as plain-text email.
type SMTPNotifier struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, send: smtp.SendMail}
}

func (n *SMTPNotifier) Notify(ctx context.Context, msg portalauth.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(msg.Email, "\r\n") {
		return fmt.Errorf("invalid recipient")
	}

	subject, body := render(msg)
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.Email)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	if err := n.send(n.cfg.Addr, auth, n.cfg.From, []string{msg.Email}, []byte(b.String())); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func render(msg portalauth.Notification) (subject, body string) {
	switch msg.Kind {
	case portalauth.NotifyOneTimeCode:
		subject = "Your verification code"
		switch msg.Purpose {
		case portalauth.PurposeLoginMFA:
			subject = "Your sign-in code"
		case portalauth.PurposeRegistration:
			subject = "Activate your portal account"
		}
		body = fmt.Sprintf("Your code is %s. It expires in %s.\r\nIf you did not request it, ignore this message.\r\n",
			msg.Code, msg.ExpiresIn.Round(time.Second))
	case portalauth.NotifyLogout:
		subject = "You have been signed out"
		body = "All sessions on your portal account were signed out.\r\nIf this was not you, contact the security desk.\r\n"
	default:
		subject = "Portal notification"
	}
	return subject, body
}
