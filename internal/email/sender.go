package email

import (
	"context"
	"fmt"

	"github.com/mailgun/mailgun-go/v4"
)

// Report carries everything needed to deliver one audit report email.
type Report struct {
	To        string
	TargetURL string
	AuditID   string
	HTML      string
}

// Sender delivers a completed report to the customer. The coordinator treats
// it as opaque beyond success/failure; at-most-once invocation is enforced by
// the email-marker reservation protocol, not here.
type Sender interface {
	Send(ctx context.Context, r Report) error
}

// MailgunSender delivers reports through Mailgun.
type MailgunSender struct {
	mg   *mailgun.MailgunImpl
	from string
}

var _ Sender = (*MailgunSender)(nil)

func NewMailgunSender(domain, apiKey, from string) *MailgunSender {
	return &MailgunSender{
		mg:   mailgun.NewMailgun(domain, apiKey),
		from: from,
	}
}

func (s *MailgunSender) Send(ctx context.Context, r Report) error {
	subject := fmt.Sprintf("Your website audit for %s is ready", r.TargetURL)
	text := fmt.Sprintf("Your audit of %s has finished. Open this email in an HTML-capable client to view the report. Reference: %s", r.TargetURL, r.AuditID)

	msg := s.mg.NewMessage(s.from, subject, text, r.To)
	msg.SetHtml(r.HTML)
	msg.AddHeader("X-Audit-ID", r.AuditID)

	if _, _, err := s.mg.Send(ctx, msg); err != nil {
		return fmt.Errorf("mailgun send: %w", err)
	}
	return nil
}
