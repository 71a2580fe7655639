// Package provider defines the interface the SMTP and HTTP front-ends use
// to hand a parsed message off for delivery, decoupling them from which
// backend is actually wired in.
package provider

import (
	"context"

	"github.com/shineum/graph-mailgate/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// This repo ships three: stdout (local testing, internal/provider/stdout),
// AWS SES v2 (internal/provider/ses), and Microsoft Graph (the primary
// backend, internal/provider/graph, backed by internal/mailer's resumable
// chunked-upload send pipeline).
type Provider interface {
	// Send delivers an email message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}
