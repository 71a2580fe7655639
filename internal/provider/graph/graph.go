// Package graph adapts the core send pipeline (internal/mailer) to the
// front-end-facing provider.Provider interface, so the SMTP ingress path
// can deliver through Microsoft Graph alongside the SES and stdout
// backends.
package graph

import (
	"context"
	"fmt"
	"os"

	"github.com/shineum/graph-mailgate/internal/email"
	"github.com/shineum/graph-mailgate/internal/mail"
	"github.com/shineum/graph-mailgate/internal/mailer"
)

// Provider sends parsed SMTP messages through a *mailer.Sender.
type Provider struct {
	sender *mailer.Sender
	opts   mail.SendOptions
}

// New builds a Provider around an already-constructed Sender. opts is
// applied to every Send call; WithDefaults is applied lazily by Sender.
func New(sender *mailer.Sender, opts mail.SendOptions) *Provider {
	return &Provider{sender: sender, opts: opts}
}

// Name returns the provider name.
func (p *Provider) Name() string { return "msgraph" }

// Send converts msg into the core MailEnvelope and drives it through the
// send pipeline. Attachments the SMTP parser already spooled to disk
// (email.Attachment.FilePath) are handed to the pipeline as-is; anything
// still held as in-memory Content (e.g. a caller that built an
// *email.Email directly, bypassing the streaming parser) is spilled to a
// temp file first, since the pipeline always reads attachments from disk.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	envelope, cleanup, err := p.toEnvelope(msg)
	if err != nil {
		return err
	}
	defer cleanup()

	return p.sender.SendEmail(ctx, envelope, p.opts)
}

func (p *Provider) toEnvelope(msg *email.Email) (mail.MailEnvelope, func(), error) {
	var ownedFiles []string
	cleanup := func() {
		for _, f := range ownedFiles {
			os.Remove(f)
		}
	}

	atts := make([]mail.EmailAttachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		path := a.FilePath
		if path == "" {
			spilled, err := spillToTemp(a.Content)
			if err != nil {
				cleanup()
				return mail.MailEnvelope{}, func() {}, fmt.Errorf("spilling attachment %q to disk: %w", a.Filename, err)
			}
			path = spilled
			ownedFiles = append(ownedFiles, path)
		}
		atts = append(atts, mail.EmailAttachment{
			FileName:    a.Filename,
			FilePath:    path,
			ContentType: a.ContentType,
		})
	}

	body := msg.TextBody
	isHTML := false
	if msg.HtmlBody != "" {
		body = msg.HtmlBody
		isHTML = true
	}

	envelope := mail.MailEnvelope{
		From:          msg.From,
		To:            msg.To,
		Cc:            msg.Cc,
		Bcc:           msg.Bcc,
		Subject:       msg.Subject,
		Body:          body,
		IsHTML:        isHTML,
		Attachments:   atts,
		CorrelationID: msg.MessageID,
	}
	return envelope, cleanup, nil
}

func spillToTemp(content []byte) (string, error) {
	f, err := os.CreateTemp("", "graph-mailgate-att-*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
