// Package parser provides RFC 5322 email message parsing with MIME
// multipart support. Attachment parts stream straight to a spooled temp
// file as they're decoded (see spillAttachment); only the text/html body
// parts, which are bounded by the session's message-size cap and needed
// inline by the sanitizer anyway, are held in memory.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"os"
	"strings"

	"github.com/shineum/graph-mailgate/internal/email"
)

// Parse parses a raw RFC 5322 email message held entirely in memory.
// Prefer ParseReader when the message is already being read from disk or
// a network connection, to avoid the extra copy.
func Parse(raw []byte) (*email.Email, error) {
	return ParseReader(bytes.NewReader(raw))
}

// ParseReader parses an RFC 5322 email message read from r into an Email
// struct. It handles plain text messages, multipart messages with
// text/html bodies, and attachments. Unrecognized MIME parts are logged
// as warnings. Attachment parts are spooled to temp files as they are
// read (see spillAttachment); callers are responsible for removing the
// paths in the returned Email's Attachments once they are done with them.
func ParseReader(r io.Reader) (*email.Email, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Email{
		RawHeaders: make(map[string][]string),
	}

	// Copy all headers
	for key, values := range msg.Header {
		result.RawHeaders[key] = values
	}

	// Extract standard header fields
	result.From = msg.Header.Get("From")
	result.Subject = msg.Header.Get("Subject")
	result.MessageID = msg.Header.Get("Message-Id")
	result.To = parseAddressList(msg.Header.Get("To"))
	result.Cc = parseAddressList(msg.Header.Get("Cc"))
	result.Bcc = parseAddressList(msg.Header.Get("Bcc"))

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// If content type is unparseable, treat as plain text
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.TextBody = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
	} else {
		body, err := io.ReadAll(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read message body: %w", err)
		}
		switch mediaType {
		case "text/plain":
			result.TextBody = string(body)
		case "text/html":
			result.HtmlBody = string(body)
		default:
			slog.Warn("unrecognized top-level content type",
				"content_type", mediaType,
			)
			result.TextBody = string(body)
		}
	}

	return result, nil
}

// parseMultipart processes a multipart MIME message body, extracting text/plain,
// text/html parts and attachments.
func parseMultipart(body io.Reader, boundary string, result *email.Email) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		contentDisposition := part.Header.Get("Content-Disposition")
		isAttachment := strings.HasPrefix(contentDisposition, "attachment")

		// Check for nested multipart
		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nestedBoundary, result); err != nil {
				slog.Warn("failed to parse nested multipart",
					"error", err,
				)
			}
			continue
		}

		// A part is a file either because it declares Content-Disposition:
		// attachment, or because it carries a real filename (Content-Disposition
		// filename= or Content-Type name=) despite not being text/plain or
		// text/html. extractFilename's final fallback ("attachment") only
		// applies once isAttachment is already true, so it never
		// misclassifies an undecorated text body.
		if isAttachment || (mediaType != "text/plain" && mediaType != "text/html" && hasDeclaredFilename(part, params)) {
			filename := extractFilename(part, params)
			path, err := spillAttachment(part)
			if err != nil {
				slog.Warn("failed to spool attachment to disk",
					"content_type", mediaType,
					"error", err,
				)
				continue
			}
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				FilePath:    path,
			})
			continue
		}

		content, err := readPartContent(part)
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		switch mediaType {
		case "text/plain":
			if result.TextBody == "" {
				result.TextBody = string(content)
			}
		case "text/html":
			if result.HtmlBody == "" {
				result.HtmlBody = string(content)
			}
		default:
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
				"disposition", contentDisposition,
			)
		}
	}

	return nil
}

// hasDeclaredFilename reports whether part carries an explicit filename,
// as opposed to one extractFilename would only synthesize as a fallback.
func hasDeclaredFilename(part *multipart.Part, params map[string]string) bool {
	if part.FileName() != "" {
		return true
	}
	return params["name"] != ""
}

// spillAttachment streams part's body straight to a temp file, decoding
// Content-Transfer-Encoding: base64 on the fly via base64.NewDecoder, so
// the full attachment is never held in memory. The caller owns cleanup
// of the returned path.
func spillAttachment(part *multipart.Part) (string, error) {
	encoding := strings.ToLower(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")))

	f, err := os.CreateTemp("", "graph-mailgate-parse-*")
	if err != nil {
		return "", err
	}
	defer f.Close()

	var src io.Reader = part
	if encoding == "base64" {
		src = base64.NewDecoder(base64.StdEncoding, &qpLineStripper{r: part})
	}

	if _, err := io.Copy(f, src); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("spooling attachment part: %w", err)
	}
	return f.Name(), nil
}

// qpLineStripper strips the CR/LF line breaks RFC 2045 base64 bodies wrap
// at 76 columns, so base64.NewDecoder sees a contiguous stream. Standard
// encoding assumes no embedded whitespace.
type qpLineStripper struct {
	r io.Reader
}

func (s *qpLineStripper) Read(p []byte) (int, error) {
	raw := make([]byte, len(p))
	n, err := s.r.Read(raw)
	w := 0
	for _, b := range raw[:n] {
		if b == '\r' || b == '\n' {
			continue
		}
		p[w] = b
		w++
	}
	return w, err
}

// readPartContent reads the full content of a MIME part, handling
// Content-Transfer-Encoding (base64, quoted-printable). Used only for
// text/plain and text/html parts, which stay in memory for sanitization.
func readPartContent(part *multipart.Part) ([]byte, error) {
	encoding := part.Header.Get("Content-Transfer-Encoding")
	encoding = strings.ToLower(strings.TrimSpace(encoding))

	raw, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}

	switch encoding {
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			// Try with RawStdEncoding for unpadded base64
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	default:
		// For "7bit", "8bit", "binary", "quoted-printable", or empty,
		// return raw content. Go's multipart reader handles QP internally.
		return raw, nil
	}
}

// extractFilename extracts the filename from a MIME part, checking both
// Content-Disposition and Content-Type parameters.
func extractFilename(part *multipart.Part, params map[string]string) string {
	// Try Content-Disposition filename first (via multipart.Part)
	if fn := part.FileName(); fn != "" {
		return fn
	}
	// Fall back to Content-Type "name" parameter
	if name, ok := params["name"]; ok && name != "" {
		return name
	}
	// Generate fallback name from media type to satisfy Graph API's required "name" property
	if mediaType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type")); err == nil {
		parts := strings.SplitN(mediaType, "/", 2)
		if len(parts) == 2 {
			return "attachment." + parts[1]
		}
	}
	return "attachment"
}

// parseAddressList splits a comma-separated address list into individual addresses.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to simple comma split if RFC 5322 parsing fails
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
