package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shineum/graph-mailgate/internal/graphclient"
	"github.com/shineum/graph-mailgate/internal/mail"
)

// ReceivedAttachment is a hydrated attachment on a received message.
type ReceivedAttachment struct {
	ID          string
	Name        string
	ContentType string
	Size        int64
	IsInline    bool
	ContentB64  string
}

// ReceivedMessage is one unread inbox message, with attachments hydrated
// best-effort.
type ReceivedMessage struct {
	ID               string
	Subject          string
	Body             string
	ReceivedDateTime string
	IsRead           bool
	HasAttachments   bool
	WebLink          string
	To               []string
	Cc               []string
	Bcc              []string
	Headers          map[string]string
	Attachments      []ReceivedAttachment
}

type inboxBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type inboxHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type inboxMessage struct {
	ID                     string        `json:"id"`
	Subject                string        `json:"subject"`
	Body                   inboxBody     `json:"body"`
	ReceivedDateTime       string        `json:"receivedDateTime"`
	IsRead                 bool          `json:"isRead"`
	HasAttachments         bool          `json:"hasAttachments"`
	WebLink                string        `json:"webLink"`
	ToRecipients           []addressItem `json:"toRecipients"`
	CcRecipients           []addressItem `json:"ccRecipients"`
	BccRecipients          []addressItem `json:"bccRecipients"`
	InternetMessageHeaders []inboxHeader `json:"internetMessageHeaders"`
}

type inboxListResponse struct {
	Value []inboxMessage `json:"value"`
}

type inboxAttachment struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ContentType      string `json:"contentType"`
	MediaContentType string `json:"@odata.mediaContentType"`
	Size             int64  `json:"size"`
	IsInline         bool   `json:"isInline"`
	ContentBytes     string `json:"contentBytes"`
}

type inboxAttachmentListResponse struct {
	Value []inboxAttachment `json:"value"`
}

func addressStrings(items []addressItem) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.EmailAddress.Address
	}
	return out
}

// Receive implements the Receive Path (spec.md §4.6): lists unread inbox
// messages, hydrates attachments per-message on a best-effort basis, and
// marks each returned message as read. mailbox overrides the sender's
// default mailbox when non-empty.
func (s *Sender) Receive(ctx context.Context, mailbox string) ([]ReceivedMessage, error) {
	sender := mailbox
	if sender == "" {
		sender = s.auth.DefaultSender
	}
	senderEncoded := graphclient.EncodeSender(sender)

	resp, err := s.retryer.Execute(ctx, func(ctx context.Context) (*http.Request, error) {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, graphclient.InboxURL(senderEncoded), nil)
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
		return nil, mail.BackendError(mail.KindMaterialize, code, message, raw, fmt.Errorf("inbox list failed with status %d", resp.StatusCode))
	}

	var listResp inboxListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, mail.BackendError(mail.KindMaterialize, "", "", "", fmt.Errorf("decoding inbox list: %w", err))
	}

	log := slog.Default()
	out := make([]ReceivedMessage, 0, len(listResp.Value))
	for _, m := range listResp.Value {
		msg := ReceivedMessage{
			ID:               m.ID,
			Subject:          m.Subject,
			Body:             m.Body.Content,
			ReceivedDateTime: m.ReceivedDateTime,
			IsRead:           m.IsRead,
			HasAttachments:   m.HasAttachments,
			WebLink:          m.WebLink,
			To:               addressStrings(m.ToRecipients),
			Cc:               addressStrings(m.CcRecipients),
			Bcc:              addressStrings(m.BccRecipients),
		}
		if len(m.InternetMessageHeaders) > 0 {
			msg.Headers = make(map[string]string, len(m.InternetMessageHeaders))
			for _, h := range m.InternetMessageHeaders {
				msg.Headers[h.Name] = h.Value
			}
		}

		if m.HasAttachments {
			atts, err := s.fetchAttachments(ctx, senderEncoded, m.ID)
			if err != nil {
				log.Warn("fetching attachments failed, continuing without them", "message_id", m.ID, "error", err)
			} else {
				msg.Attachments = atts
			}
		}

		if err := s.markRead(ctx, senderEncoded, m.ID); err != nil {
			log.Warn("marking message read failed", "message_id", m.ID, "error", err)
		}

		out = append(out, msg)
	}

	return out, nil
}

func (s *Sender) fetchAttachments(ctx context.Context, senderEncoded, messageID string) ([]ReceivedAttachment, error) {
	resp, err := s.retryer.Execute(ctx, func(ctx context.Context) (*http.Request, error) {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, graphclient.MessageAttachmentsURL(senderEncoded, messageID), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		return req, nil
	})
	if err != nil {
		return nil, wrapExecuteErr(mail.KindAttachment, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, message, raw := graphclient.ParseError(resp.Body)
		return nil, mail.BackendError(mail.KindAttachment, code, message, raw, fmt.Errorf("attachment list failed with status %d", resp.StatusCode))
	}

	var listResp inboxAttachmentListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, mail.BackendError(mail.KindAttachment, "", "", "", fmt.Errorf("decoding attachment list: %w", err))
	}

	out := make([]ReceivedAttachment, len(listResp.Value))
	for i, a := range listResp.Value {
		contentType := a.ContentType
		if contentType == "" {
			contentType = a.MediaContentType
		}
		out[i] = ReceivedAttachment{
			ID:          a.ID,
			Name:        a.Name,
			ContentType: contentType,
			Size:        a.Size,
			IsInline:    a.IsInline,
			ContentB64:  a.ContentBytes,
		}
	}
	return out, nil
}

type markReadRequest struct {
	IsRead bool `json:"isRead"`
}

func (s *Sender) markRead(ctx context.Context, senderEncoded, messageID string) error {
	payload, err := json.Marshal(markReadRequest{IsRead: true})
	if err != nil {
		return &mail.Error{Kind: mail.KindMaterialize, Err: err}
	}

	resp, err := s.retryer.Execute(ctx, func(ctx context.Context) (*http.Request, error) {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, graphclient.MessageURL(senderEncoded, messageID), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		return req, nil
	})
	if err != nil {
		return wrapExecuteErr(mail.KindMaterialize, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, message, raw := graphclient.ParseError(resp.Body)
		return mail.BackendError(mail.KindMaterialize, code, message, raw, fmt.Errorf("mark-as-read failed with status %d", resp.StatusCode))
	}
	return nil
}
