// Package graphclient holds the wire-level pieces shared by every Graph
// v1.0 call the send and receive pipelines make: base URL construction,
// sender-mailbox encoding, and the backend error envelope.
package graphclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
)

// BaseURL is the Graph v1.0 base for all mail calls.
const BaseURL = "https://graph.microsoft.com/v1.0"

const maxErrorBody = 1000

// EncodeSender URL-encodes a mailbox address for use as a path segment.
func EncodeSender(sender string) string {
	return url.PathEscape(sender)
}

// MessagesURL returns the draft-collection URL for a sender mailbox.
func MessagesURL(senderEncoded string) string {
	return fmt.Sprintf("%s/users/%s/messages", BaseURL, senderEncoded)
}

// MessageURL returns the URL for one draft message.
func MessageURL(senderEncoded, messageID string) string {
	return fmt.Sprintf("%s/users/%s/messages/%s", BaseURL, senderEncoded, messageID)
}

// AttachmentsURL returns the small-attachment collection URL for a draft.
func AttachmentsURL(senderEncoded, messageID string) string {
	return fmt.Sprintf("%s/users/%s/messages/%s/attachments", BaseURL, senderEncoded, messageID)
}

// CreateUploadSessionURL returns the URL that starts a resumable upload.
func CreateUploadSessionURL(senderEncoded, messageID string) string {
	return fmt.Sprintf("%s/users/%s/messages/%s/attachments/createUploadSession", BaseURL, senderEncoded, messageID)
}

// MaterializeURL returns the URL to re-read a draft with its attachments
// expanded.
func MaterializeURL(senderEncoded, messageID string) string {
	return fmt.Sprintf("%s/users/%s/messages/%s?$expand=attachments", BaseURL, senderEncoded, messageID)
}

// SendMailURL returns the sendMail action URL for a sender mailbox.
func SendMailURL(senderEncoded string) string {
	return fmt.Sprintf("%s/users/%s/sendMail", BaseURL, senderEncoded)
}

// InboxURL returns the unread-messages listing URL for a mailbox.
func InboxURL(senderEncoded string) string {
	return fmt.Sprintf(
		"%s/users/%s/mailFolders/inbox/messages?$filter=isRead eq false&$top=100&$select=%s",
		BaseURL, senderEncoded, url.QueryEscape("id,subject,body,receivedDateTime,isRead,hasAttachments,webLink,toRecipients,ccRecipients,bccRecipients,internetMessageHeaders"),
	)
}

// MessageAttachmentsURL returns the attachment-collection URL for a
// received message.
func MessageAttachmentsURL(senderEncoded, messageID string) string {
	return fmt.Sprintf("%s/users/%s/messages/%s/attachments", BaseURL, senderEncoded, messageID)
}

// errorEnvelope is the JSON shape of a Graph API error response.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseError reads resp's body (bounded) and returns the backend's
// error.code/message when present, otherwise a truncated raw body.
func ParseError(body io.Reader) (code, message, raw string) {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	raw = string(data)

	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Error.Message != "" {
		return env.Error.Code, env.Error.Message, raw
	}
	return "", "", raw
}
