// Package mail defines the core data model for the send pipeline: the
// caller-facing envelope and options, and the transient handles threaded
// through a single send.
package mail

import "time"

// Default size thresholds, all overridable per send via SendOptions.
const (
	DefaultLargeAttachmentThreshold   = 3 * 1024 * 1024
	DefaultChunkSize                  = 5 * 1024 * 1024
	DefaultMaxAggregateAttachmentSize = 35 * 1024 * 1024
)

// TokenSafetyBuffer is the minimum remaining lifetime a cached access token
// must have to be considered usable.
const TokenSafetyBuffer = 30 * time.Second

// AuthConfig is the immutable application identity used to authenticate
// against the backend. It is created once at library initialization and
// owned by the long-lived Sender.
type AuthConfig struct {
	TenantID      string
	ClientID      string
	ClientSecret  string
	DefaultSender string
}

// SendOptions controls the behavior of a single send. The zero value is
// filled in with defaults by WithDefaults.
type SendOptions struct {
	// RequestTimeout bounds each individual HTTP attempt. Zero means no
	// per-attempt timeout is layered on top of the caller's context.
	RequestTimeout time.Duration

	// LargeAttachmentThreshold separates the small (inline base64 POST)
	// path from the resumable upload-session path.
	LargeAttachmentThreshold int64

	// ChunkSize is the byte size of each PUT in a resumable upload.
	ChunkSize int64

	// MaxAggregateAttachmentSize is the total cap across all attachments
	// of one envelope, enforced before any backend call is made.
	MaxAggregateAttachmentSize int64

	// SaveToSentItems controls whether the backend persists the sent
	// message to the mailbox's Sent Items folder.
	SaveToSentItems bool
}

// WithDefaults returns a copy of o with zero-valued fields replaced by
// their documented defaults.
func (o SendOptions) WithDefaults() SendOptions {
	if o.LargeAttachmentThreshold <= 0 {
		o.LargeAttachmentThreshold = DefaultLargeAttachmentThreshold
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxAggregateAttachmentSize <= 0 {
		o.MaxAggregateAttachmentSize = DefaultMaxAggregateAttachmentSize
	}
	return o
}

// EmailAttachment is a single file to attach, declared against a local
// file path. The file is read lazily at attach time, never buffered in
// full ahead of that.
type EmailAttachment struct {
	FileName    string
	FilePath    string
	Inline      bool
	ContentID   string
	ContentType string
}

// MailEnvelope is the caller-supplied description of one outbound message.
type MailEnvelope struct {
	To            []string
	Cc            []string
	Bcc           []string
	Subject       string
	Body          string
	IsHTML        bool
	Attachments   []EmailAttachment
	From          string
	CorrelationID string
}

// DraftHandle identifies a server-side draft created for one send. Cleanup
// always targets this handle, regardless of how the rest of the send
// concluded.
type DraftHandle struct {
	ID              string
	SenderEncoded   string
	CreatedOnServer bool
}
