// Package email defines the parsed-message data model shared by the SMTP
// and HTTP front-ends and the provider.Provider backends they deliver
// through.
package email

import (
	"bytes"
	"io"
	"os"
)

// Email represents a parsed email message with all its components.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string
}

// Attachment represents a file attached to an email message. Exactly one
// of Content or FilePath is set: small attachments the parser decoded
// inline carry Content; attachment parts spooled to disk during DATA
// ingestion (internal/parser) carry FilePath instead, so the bytes are
// never held twice. Callers read through Open, not the fields directly.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	FilePath    string
}

// Size reports the attachment's byte count without reading FilePath's
// content into memory.
func (a Attachment) Size() (int64, error) {
	if a.FilePath == "" {
		return int64(len(a.Content)), nil
	}
	info, err := os.Stat(a.FilePath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Open returns a reader over the attachment's bytes, from FilePath when
// set or from Content otherwise. Callers must Close the result.
func (a Attachment) Open() (io.ReadCloser, error) {
	if a.FilePath != "" {
		return os.Open(a.FilePath)
	}
	return io.NopCloser(bytes.NewReader(a.Content)), nil
}
