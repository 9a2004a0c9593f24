// Package email implements the Email node kind's rendering and send
// path (§4.3, SPEC_FULL §4.12): a Sender interface with one concrete
// SMTP implementation, matching the teacher's convention of keeping
// every external collaborator (graph/tool.Tool, graph/model.ChatModel)
// behind a small interface with one real adapter.
package email

import (
	"context"
	"fmt"

	gomail "github.com/go-mail/mail/v2"
	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/variables"
)

// RenderedMessage is the fully-resolved message ready to hand to a
// Sender: every template reference in the node's EmailConfig has
// already been expanded.
type RenderedMessage struct {
	To       []string
	Cc       []string
	Bcc      []string
	Subject  string
	BodyText string
	BodyHTML string
	ReplyTo  string
	// MessageID is stamped so downstream systems can dedupe a
	// redelivered send under at-least-once job execution (§4.3).
	MessageID string
}

// Sender delivers a RenderedMessage.
type Sender interface {
	Send(ctx context.Context, msg RenderedMessage) error
}

// Render expands every template field of cfg against env and event,
// matching §4.10's strict resolution.
func Render(cfg workflow.EmailConfig, env map[string]string, event workflow.WorkflowEvent) (RenderedMessage, error) {
	subject, err := variables.Render(cfg.Subject, env, event)
	if err != nil {
		return RenderedMessage{}, fmt.Errorf("email: render subject: %w", err)
	}
	bodyText, err := variables.Render(cfg.BodyText, env, event)
	if err != nil {
		return RenderedMessage{}, fmt.Errorf("email: render body: %w", err)
	}
	bodyHTML := cfg.BodyHTML
	if bodyHTML != "" {
		bodyHTML, err = variables.Render(bodyHTML, env, event)
		if err != nil {
			return RenderedMessage{}, fmt.Errorf("email: render html body: %w", err)
		}
	}
	return RenderedMessage{
		To:       cfg.To,
		Cc:       cfg.Cc,
		Bcc:      cfg.Bcc,
		Subject:  subject,
		BodyText: bodyText,
		BodyHTML: bodyHTML,
		ReplyTo:  cfg.ReplyTo,
	}, nil
}

// SMTPConfig is the outbound server's connection settings, sourced from
// the SP_SMTP_* environment variables named in SPEC_FULL §2's ambient
// config section.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender is the one concrete Sender, built on go-mail/mail/v2.
type SMTPSender struct {
	cfg SMTPConfig
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) Send(ctx context.Context, msg RenderedMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", msg.To...)
	if len(msg.Cc) > 0 {
		m.SetHeader("Cc", msg.Cc...)
	}
	if len(msg.Bcc) > 0 {
		m.SetHeader("Bcc", msg.Bcc...)
	}
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	if msg.MessageID != "" {
		m.SetHeader("Message-Id", msg.MessageID)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.BodyText)
	if msg.BodyHTML != "" {
		m.AddAlternative("text/html", msg.BodyHTML)
	}

	d := gomail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("email: smtp send: %w", err)
	}
	return nil
}

var _ Sender = (*SMTPSender)(nil)
