// Package upload implements the Upload Session Engine (spec.md §4.3): a
// resumable chunked PUT loop against a backend-issued upload session, with
// session re-creation on backend session loss.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/shineum/graph-mailgate/internal/graphclient"
	"github.com/shineum/graph-mailgate/internal/mail"
	"github.com/shineum/graph-mailgate/internal/retry"
)

// maxSessionAttempts bounds session re-creation after a backend
// session-lost signal (spec.md §4.3 step 3).
const maxSessionAttempts = 3

// bufPool holds chunk buffers sized to mail.DefaultChunkSize. A send using
// a non-default chunk size allocates directly and bypasses the pool
// (pooling multiple sizes thrashes more than it saves).
var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, mail.DefaultChunkSize)
		return &b
	},
}

func getBuffer(size int64) []byte {
	if size == mail.DefaultChunkSize {
		p := bufPool.Get().(*[]byte)
		return (*p)[:size]
	}
	return make([]byte, size)
}

func putBuffer(b []byte) {
	if int64(cap(b)) == mail.DefaultChunkSize {
		full := b[:mail.DefaultChunkSize]
		bufPool.Put(&full)
	}
}

// TokenSource returns a fresh bearer token. Every createUploadSession call
// fetches a new one; the chunk PUTs themselves never attach a token, since
// the upload URL is pre-authenticated by the backend.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Engine drives the resumable-upload protocol for one sender instance.
type Engine struct {
	HTTPClient *http.Client
	Retry      *retry.Executor
	Token      TokenSource
}

// NewEngine builds an Engine sharing the caller's HTTP client and retry
// executor.
func NewEngine(client *http.Client, retryExec *retry.Executor, tokenSrc TokenSource) *Engine {
	return &Engine{HTTPClient: client, Retry: retryExec, Token: tokenSrc}
}

type createSessionRequest struct {
	AttachmentItem attachmentItem `json:"attachmentItem"`
}

type attachmentItem struct {
	AttachmentType string `json:"attachmentType"`
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	IsInline       bool   `json:"isInline,omitempty"`
	ContentID      string `json:"contentId,omitempty"`
}

type createSessionResponse struct {
	UploadURL string `json:"uploadUrl"`
}

type chunkResponse struct {
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

// errSessionLost is the internal sentinel for a 404 ("ErrorItemNotFound")
// response to a chunk PUT: the session must be re-created from scratch.
var errSessionLost = fmt.Errorf("upload session lost")

// Upload streams attachment's file content into a fresh upload session
// against draft messageID, making up to maxSessionAttempts session attempts
// in total (the first one plus re-creations) if the backend reports session
// loss. On return, the attachment is
// either fully committed on the backend or an *mail.Error describing the
// attachment, the offset reached, and the cause is returned.
func (e *Engine) Upload(
	ctx context.Context,
	senderEncoded, messageID string,
	att mail.EmailAttachment,
	fileSize int64,
	contentType string,
	chunkSize int64,
) error {
	name := att.FileName

	file, err := os.Open(att.FilePath)
	if err != nil {
		return mail.AttachmentErr(name, 0, fmt.Errorf("opening attachment file: %w", err))
	}
	defer file.Close()

	var lastErr error
	for sessionAttempt := 1; sessionAttempt <= maxSessionAttempts; sessionAttempt++ {
		if err := ctx.Err(); err != nil {
			return mail.CancelledError(err)
		}

		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return mail.AttachmentErr(name, 0, fmt.Errorf("rewinding attachment file: %w", err))
		}

		uploadURL, err := e.createSession(ctx, senderEncoded, messageID, att, fileSize)
		if err != nil {
			// A failure to even create a session is not the session-lost
			// signal the re-creation loop exists for; it propagates as an
			// ordinary attachment (or cancellation) error.
			return err
		}

		committed, err := e.chunkLoop(ctx, uploadURL, file, fileSize, contentType, chunkSize)
		if err == nil {
			if committed != fileSize {
				return mail.AttachmentErr(name, committed, fmt.Errorf("incomplete upload: committed %d of %d bytes", committed, fileSize))
			}
			return nil
		}

		if err == errSessionLost {
			slog.Info("upload session lost, re-creating",
				"file", name,
				"session_attempt", sessionAttempt,
			)
			lastErr = err
			continue
		}

		// Chunk-level errors name the temp file or the upload URL; report
		// the attachment's declared name instead.
		if merr, ok := err.(*mail.Error); ok && merr.FileName != "" {
			merr.FileName = name
		}
		return err
	}

	return mail.AttachmentErr(name, 0, fmt.Errorf("upload session re-creation exhausted after %d attempts for draft %s: %w", maxSessionAttempts, messageID, lastErr))
}

func (e *Engine) createSession(ctx context.Context, senderEncoded, messageID string, att mail.EmailAttachment, fileSize int64) (string, error) {
	reqBody := createSessionRequest{
		AttachmentItem: attachmentItem{
			AttachmentType: "file",
			Name:           att.FileName,
			Size:           fileSize,
			IsInline:       att.Inline,
			ContentID:      att.ContentID,
		},
	}
	bodyJSON, err := json.Marshal(reqBody)
	if err != nil {
		return "", mail.AttachmentErr(att.FileName, 0, fmt.Errorf("marshaling upload session request: %w", err))
	}

	resp, err := e.Retry.Execute(ctx, func(ctx context.Context) (*http.Request, error) {
		tok, err := e.Token.Token(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, graphclient.CreateUploadSessionURL(senderEncoded, messageID), bytes.NewReader(bodyJSON))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		return req, nil
	})
	if err != nil {
		if cancelled, ok := err.(*retry.CancelledError); ok {
			return "", mail.CancelledError(cancelled.Err)
		}
		return "", mail.AttachmentErr(att.FileName, 0, fmt.Errorf("creating upload session: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, message, raw := graphclient.ParseError(resp.Body)
		return "", mail.BackendError(mail.KindAttachment, code, message, raw, fmt.Errorf("createUploadSession failed with status %d", resp.StatusCode))
	}

	var sessResp createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sessResp); err != nil {
		return "", mail.AttachmentErr(att.FileName, 0, fmt.Errorf("decoding upload session response: %w", err))
	}
	return sessResp.UploadURL, nil
}

// chunkLoop drives the PUT sequence for one upload session attempt,
// returning the committed byte offset. A returned errSessionLost means the
// caller should re-create the session and restart this loop from zero.
func (e *Engine) chunkLoop(ctx context.Context, uploadURL string, file *os.File, fileSize int64, contentType string, chunkSize int64) (int64, error) {
	var committed int64

	for committed < fileSize {
		if err := ctx.Err(); err != nil {
			return committed, mail.CancelledError(err)
		}

		remaining := fileSize - committed
		size := chunkSize
		if size > remaining {
			size = remaining
		}

		buf := getBuffer(size)
		n, err := io.ReadFull(file, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			putBuffer(buf)
			return committed, mail.AttachmentErr(file.Name(), committed, fmt.Errorf("reading attachment chunk: %w", err))
		}
		if int64(n) < size {
			putBuffer(buf)
			return committed, mail.AttachmentErr(file.Name(), committed, fmt.Errorf("file truncated at source: read %d of %d expected bytes", n, size))
		}

		done, err := e.putChunk(ctx, uploadURL, buf[:n], committed, fileSize, contentType)
		putBuffer(buf)
		if err != nil {
			return committed, err
		}

		committed += int64(n)
		if done {
			break
		}
	}

	return committed, nil
}

// putChunk PUTs one chunk and reports whether the upload is now complete.
// The PUT goes through the same retry executor as every other Graph call,
// so a 429/5xx on a chunk is retried with the decorrelated-jitter schedule
// (and any Retry-After override) rather than failing the whole attachment;
// a 404 is left for the caller to recognize as session loss.
func (e *Engine) putChunk(ctx context.Context, uploadURL string, chunk []byte, offset, total int64, contentType string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, mail.CancelledError(err)
	}

	end := offset + int64(len(chunk)) - 1
	contentRange := fmt.Sprintf("bytes %d-%d/%d", offset, end, total)

	resp, err := e.Retry.Execute(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
		if err != nil {
			return nil, err
		}
		req.ContentLength = int64(len(chunk))
		req.Header.Set("Content-Range", contentRange)
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		if cancelled, ok := err.(*retry.CancelledError); ok {
			return false, mail.CancelledError(cancelled.Err)
		}
		return false, mail.AttachmentErr(uploadURL, offset, fmt.Errorf("PUT chunk failed: %w", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return true, nil
	case http.StatusAccepted:
		var cr chunkResponse
		_ = json.NewDecoder(resp.Body).Decode(&cr)
		if len(cr.NextExpectedRanges) == 0 {
			return true, nil
		}
		return false, nil
	case http.StatusNotFound:
		return false, errSessionLost
	default:
		code, message, raw := graphclient.ParseError(resp.Body)
		return false, mail.BackendError(mail.KindAttachment, code, message, raw, fmt.Errorf("chunk PUT failed with status %d", resp.StatusCode))
	}
}
