// Package mailer implements the Send Orchestrator (spec.md §4.4): the
// Validating -> DraftPosted -> Attaching -> Materializing -> Sending ->
// Cleanup state machine that drives one outbound message through the
// Graph v1.0 mail API.
package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/graph-mailgate/internal/graphclient"
	"github.com/shineum/graph-mailgate/internal/graphclient/token"
	"github.com/shineum/graph-mailgate/internal/graphclient/upload"
	"github.com/shineum/graph-mailgate/internal/mail"
	"github.com/shineum/graph-mailgate/internal/retry"
	"github.com/shineum/graph-mailgate/internal/sanitize"
)

// cleanupTimeout bounds the best-effort draft delete that runs even after
// the caller's context has been cancelled.
const cleanupTimeout = 30 * time.Second

// Option configures a Sender at construction.
type Option func(*Sender)

// WithHTTPClient injects an HTTP client the Sender will use for every call.
// An injected client is never closed by Sender.Close; the caller retains
// ownership.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.httpClient = c }
}

// WithRetryPolicy overrides the decorrelated-jitter backoff schedule, for
// tests that need to exhaust retries without paying the real-time delays.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(s *Sender) { s.retryPolicy = p }
}

// Sender is a long-lived, stateless-across-sends client for one application
// identity. Its only persistent state is the in-memory token cache.
type Sender struct {
	auth mail.AuthConfig

	httpClient  *http.Client
	ownsClient  bool
	retryPolicy *retry.Policy

	tokens  *token.Cache
	retryer *retry.Executor
	uploads *upload.Engine
}

// New builds a Sender for auth. Without WithHTTPClient, a client is created
// and owned by the Sender (closed on Close).
func New(auth mail.AuthConfig, opts ...Option) *Sender {
	s := &Sender{auth: auth}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: 60 * time.Second}
		s.ownsClient = true
	}

	s.tokens = token.NewCache(token.Config{
		TenantID:     auth.TenantID,
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		HTTPClient:   s.httpClient,
	})
	s.retryer = retry.NewExecutor(s.httpClient)
	if s.retryPolicy != nil {
		s.retryer.Policy = s.retryPolicy
	}
	s.retryer.Breaker = retry.NewHostBreaker("graph.microsoft.com")
	s.uploads = upload.NewEngine(s.httpClient, s.retryer, s.tokens)
	return s
}

// Close releases the HTTP client's idle connections if the Sender owns it.
func (s *Sender) Close() error {
	if s.ownsClient {
		s.httpClient.CloseIdleConnections()
	}
	return nil
}

// SendEmail drives envelope through the full send pipeline. Cleanup (draft
// deletion) is attempted unconditionally, including when ctx has already
// been cancelled, per spec.md §4.4 and §5.
func (s *Sender) SendEmail(ctx context.Context, envelope mail.MailEnvelope, opts mail.SendOptions) error {
	opts = opts.WithDefaults()
	ctx = retry.WithPerAttemptTimeout(ctx, opts.RequestTimeout)

	sender := envelope.From
	if sender == "" {
		sender = s.auth.DefaultSender
	}

	correlationID := envelope.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := slog.Default().With("correlation_id", correlationID)
	start := time.Now()

	if err := s.validate(envelope, sender, opts); err != nil {
		log.Error("send validation failed", "error", err)
		return err
	}

	draft := &mail.DraftHandle{SenderEncoded: graphclient.EncodeSender(sender)}

	sendErr := s.runPipeline(ctx, log, draft, envelope, opts)
	cleanupErr := s.cleanup(ctx, log, draft)

	switch {
	case sendErr != nil && cleanupErr != nil:
		return &mail.AggregateError{Primary: sendErr, Cleanup: cleanupErr}
	case sendErr != nil:
		return sendErr
	case cleanupErr != nil:
		return cleanupErr
	}

	log.Info("send complete", "duration", time.Since(start))
	return nil
}

// validate implements the Validating step: recipient/sender grammar,
// subject/body are sanitized downstream in runPipeline, attachments are
// pre-checked as a group before any backend call.
func (s *Sender) validate(envelope mail.MailEnvelope, sender string, opts mail.SendOptions) error {
	if len(envelope.To) == 0 {
		return mail.ArgumentError("to", fmt.Errorf("at least one primary recipient is required"))
	}
	if !sanitize.IsValidAddress(sender) {
		return mail.ArgumentError("from", fmt.Errorf("invalid sender address %q", sender))
	}
	for _, a := range envelope.To {
		if !sanitize.IsValidAddress(a) {
			return mail.ArgumentError("to", fmt.Errorf("invalid recipient address %q", a))
		}
	}
	for _, a := range envelope.Cc {
		if !sanitize.IsValidAddress(a) {
			return mail.ArgumentError("cc", fmt.Errorf("invalid recipient address %q", a))
		}
	}
	for _, a := range envelope.Bcc {
		if !sanitize.IsValidAddress(a) {
			return mail.ArgumentError("bcc", fmt.Errorf("invalid recipient address %q", a))
		}
	}

	var aggregateSize int64
	for _, att := range envelope.Attachments {
		if att.Inline && att.ContentID == "" {
			return mail.ArgumentError("attachments", fmt.Errorf("inline attachment %q is missing a content id", att.FileName))
		}
		info, err := os.Stat(att.FilePath)
		if err != nil {
			return mail.ArgumentError("attachments", fmt.Errorf("attachment %q: %w", att.FileName, err))
		}
		if info.Size() == 0 {
			return mail.ArgumentError("attachments", fmt.Errorf("attachment %q is empty", att.FileName))
		}
		aggregateSize += info.Size()
	}
	if aggregateSize > opts.MaxAggregateAttachmentSize {
		return mail.ArgumentError("attachments", fmt.Errorf("aggregate attachment size %d exceeds cap %d", aggregateSize, opts.MaxAggregateAttachmentSize))
	}
	return nil
}

// runPipeline carries out DraftPosted through Sending. It never runs
// Cleanup; the caller always does, unconditionally.
func (s *Sender) runPipeline(ctx context.Context, log *slog.Logger, draft *mail.DraftHandle, envelope mail.MailEnvelope, opts mail.SendOptions) error {
	envelope.Subject = sanitize.Subject(envelope.Subject)
	if envelope.IsHTML {
		envelope.Body = sanitize.Body(envelope.Body)
	}

	if err := s.createDraft(ctx, draft, envelope); err != nil {
		return err
	}
	log.Debug("draft created", "draft_id", draft.ID)

	if err := s.attachAll(ctx, draft, envelope, opts); err != nil {
		return err
	}

	clean, err := s.materialize(ctx, draft)
	if err != nil {
		return err
	}

	if err := s.sendMail(ctx, draft, clean, opts); err != nil {
		return err
	}

	log.Info("message sent", "draft_id", draft.ID)
	return nil
}

type emailAddress struct {
	Address string `json:"address"`
}

type addressItem struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

func addressItems(addrs []string) []addressItem {
	if len(addrs) == 0 {
		return nil
	}
	items := make([]addressItem, len(addrs))
	for i, a := range addrs {
		items[i] = addressItem{EmailAddress: emailAddress{Address: a}}
	}
	return items
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type draftRequest struct {
	Subject       string        `json:"subject"`
	Body          messageBody   `json:"body"`
	ToRecipients  []addressItem `json:"toRecipients"`
	CcRecipients  []addressItem `json:"ccRecipients,omitempty"`
	BccRecipients []addressItem `json:"bccRecipients,omitempty"`
}

type draftResponse struct {
	ID string `json:"id"`
}

// createDraft implements the DraftPosted step.
func (s *Sender) createDraft(ctx context.Context, draft *mail.DraftHandle, envelope mail.MailEnvelope) error {
	contentType := "Text"
	if envelope.IsHTML {
		contentType = "HTML"
	}

	payload, err := json.Marshal(draftRequest{
		Subject:       envelope.Subject,
		Body:          messageBody{ContentType: contentType, Content: envelope.Body},
		ToRecipients:  addressItems(envelope.To),
		CcRecipients:  addressItems(envelope.Cc),
		BccRecipients: addressItems(envelope.Bcc),
	})
	if err != nil {
		return &mail.Error{Kind: mail.KindCreateMessage, Err: fmt.Errorf("marshaling draft request: %w", err)}
	}

	resp, err := s.retryer.Execute(ctx, func(ctx context.Context) (*http.Request, error) {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, graphclient.MessagesURL(draft.SenderEncoded), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		return req, nil
	})
	if err != nil {
		return wrapExecuteErr(mail.KindCreateMessage, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, message, raw := graphclient.ParseError(resp.Body)
		return mail.BackendError(mail.KindCreateMessage, code, message, raw, fmt.Errorf("create draft failed with status %d", resp.StatusCode))
	}

	var dr draftResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return mail.BackendError(mail.KindCreateMessage, "", "", "", fmt.Errorf("decoding draft response: %w", err))
	}
	draft.ID = dr.ID
	draft.CreatedOnServer = true
	return nil
}

// attachAll implements the Attaching step, routing each attachment to the
// small (inline base64) path or the upload-session engine by declared size.
func (s *Sender) attachAll(ctx context.Context, draft *mail.DraftHandle, envelope mail.MailEnvelope, opts mail.SendOptions) error {
	for _, att := range envelope.Attachments {
		if err := ctx.Err(); err != nil {
			return mail.CancelledError(err)
		}

		info, err := os.Stat(att.FilePath)
		if err != nil {
			return mail.AttachmentErr(att.FileName, 0, fmt.Errorf("statting attachment: %w", err))
		}

		cleanName := sanitize.Filename(att.FileName)
		if cleanName == "" {
			return mail.ArgumentError("attachments", fmt.Errorf("attachment file name %q sanitizes to empty", att.FileName))
		}
		att.FileName = cleanName

		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		size := info.Size()
		if size <= opts.LargeAttachmentThreshold {
			if err := s.attachSmall(ctx, draft, att, contentType); err != nil {
				return err
			}
			continue
		}
		if err := s.uploads.Upload(ctx, draft.SenderEncoded, draft.ID, att, size, contentType, opts.ChunkSize); err != nil {
			return err
		}
	}
	return nil
}

type fileAttachmentRequest struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	IsInline     bool   `json:"isInline,omitempty"`
	ContentID    string `json:"contentId,omitempty"`
}

// attachSmall POSTs one base64-encoded fileAttachment for files at or
// below the large-attachment threshold.
func (s *Sender) attachSmall(ctx context.Context, draft *mail.DraftHandle, att mail.EmailAttachment, contentType string) error {
	data, err := os.ReadFile(att.FilePath)
	if err != nil {
		return mail.AttachmentErr(att.FileName, 0, fmt.Errorf("reading attachment: %w", err))
	}

	payload, err := json.Marshal(fileAttachmentRequest{
		ODataType:    "#microsoft.graph.fileAttachment",
		Name:         att.FileName,
		ContentType:  contentType,
		ContentBytes: base64.StdEncoding.EncodeToString(data),
		IsInline:     att.Inline,
		ContentID:    att.ContentID,
	})
	if err != nil {
		return mail.AttachmentErr(att.FileName, 0, fmt.Errorf("marshaling attachment request: %w", err))
	}

	resp, err := s.retryer.Execute(ctx, func(ctx context.Context) (*http.Request, error) {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, graphclient.AttachmentsURL(draft.SenderEncoded, draft.ID), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		return req, nil
	})
	if err != nil {
		var ce *retry.CancelledError
		if errors.As(err, &ce) {
			return mail.CancelledError(ce.Err)
		}
		return mail.AttachmentErr(att.FileName, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, message, raw := graphclient.ParseError(resp.Body)
		return mail.BackendError(mail.KindAttachment, code, message, raw, fmt.Errorf("small attachment upload failed with status %d", resp.StatusCode))
	}
	return nil
}

// rawAttachment is the whitelisted shape read back from a materialized
// attachment entry.
type rawAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes,omitempty"`
	Size         int64  `json:"size"`
	IsInline     bool   `json:"isInline"`
	ContentID    string `json:"contentId,omitempty"`
}

// cleanMessage is the whitelisted shape of a materialized draft: only the
// fields named in spec.md §4.4 Materializing survive decoding into this
// struct, everything else the backend returns (read-only properties the
// sendMail endpoint rejects) is silently dropped.
type cleanMessage struct {
	Subject       string          `json:"subject"`
	Body          messageBody     `json:"body"`
	ToRecipients  []addressItem   `json:"toRecipients"`
	CcRecipients  []addressItem   `json:"ccRecipients,omitempty"`
	BccRecipients []addressItem   `json:"bccRecipients,omitempty"`
	ReplyTo       []addressItem   `json:"replyTo,omitempty"`
	From          *addressItem    `json:"from,omitempty"`
	Importance    string          `json:"importance,omitempty"`
	Attachments   []rawAttachment `json:"attachments,omitempty"`
}

// materialize implements the Materializing step, decoding the response body
// with json.Decoder into the whitelisted struct. The decoder reads the whole
// JSON document into memory before decoding it, so the full response,
// attachment contentBytes included, is held in memory; it is not
// stream-parsed.
func (s *Sender) materialize(ctx context.Context, draft *mail.DraftHandle) (*cleanMessage, error) {
	resp, err := s.retryer.Execute(ctx, func(ctx context.Context) (*http.Request, error) {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, graphclient.MaterializeURL(draft.SenderEncoded, draft.ID), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		return req, nil
	})
	if err != nil {
		return nil, wrapExecuteErr(mail.KindMaterialize, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, message, raw := graphclient.ParseError(resp.Body)
		return nil, mail.BackendError(mail.KindMaterialize, code, message, raw, fmt.Errorf("materialize failed with status %d", resp.StatusCode))
	}

	var clean cleanMessage
	if err := json.NewDecoder(resp.Body).Decode(&clean); err != nil {
		return nil, mail.BackendError(mail.KindMaterialize, "", "", "", fmt.Errorf("decoding materialized draft: %w", err))
	}
	return &clean, nil
}

type sendMailRequest struct {
	Message         *cleanMessage `json:"message"`
	SaveToSentItems bool          `json:"saveToSentItems"`
}

// sendMail implements the Sending step.
func (s *Sender) sendMail(ctx context.Context, draft *mail.DraftHandle, clean *cleanMessage, opts mail.SendOptions) error {
	payload, err := json.Marshal(sendMailRequest{Message: clean, SaveToSentItems: opts.SaveToSentItems})
	if err != nil {
		return &mail.Error{Kind: mail.KindSendMessage, Err: fmt.Errorf("marshaling sendMail request: %w", err)}
	}

	resp, err := s.retryer.Execute(ctx, func(ctx context.Context) (*http.Request, error) {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, graphclient.SendMailURL(draft.SenderEncoded), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		return req, nil
	})
	if err != nil {
		return wrapExecuteErr(mail.KindSendMessage, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		code, message, raw := graphclient.ParseError(resp.Body)
		return mail.BackendError(mail.KindSendMessage, code, message, raw, fmt.Errorf("sendMail failed with status %d", resp.StatusCode))
	}
	return nil
}

// cleanup implements the Cleanup step. It always runs, even when ctx is
// already cancelled: it derives a fresh, bounded context detached from
// ctx's cancellation so the draft is still removed on a best-effort basis.
func (s *Sender) cleanup(ctx context.Context, log *slog.Logger, draft *mail.DraftHandle) error {
	if !draft.CreatedOnServer || draft.ID == "" {
		return nil
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	resp, err := s.retryer.Execute(cleanupCtx, func(ctx context.Context) (*http.Request, error) {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, graphclient.MessageURL(draft.SenderEncoded, draft.ID), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		return req, nil
	})
	if err != nil {
		werr := wrapExecuteErr(mail.KindDeleteDraft, err)
		log.Warn("draft cleanup failed", "draft_id", draft.ID, "error", werr)
		return werr
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, message, raw := graphclient.ParseError(resp.Body)
		werr := mail.BackendError(mail.KindDeleteDraft, code, message, raw, fmt.Errorf("delete draft failed with status %d", resp.StatusCode))
		log.Warn("draft cleanup failed", "draft_id", draft.ID, "error", werr)
		return werr
	}
	return nil
}

// wrapExecuteErr maps a retry.Executor error to the core taxonomy: a
// cancellation stays a cancellation regardless of which step raised it,
// anything else becomes a kind-tagged Error.
func wrapExecuteErr(kind mail.Kind, err error) error {
	var ce *retry.CancelledError
	if errors.As(err, &ce) {
		return mail.CancelledError(ce.Err)
	}
	return &mail.Error{Kind: kind, Err: err}
}
