// Package httpfront implements the optional HTTP front-end (spec.md §6):
// POST /email/send accepting multipart/form-data, with attachment parts
// streamed straight to disk rather than buffered in memory.
package httpfront

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/shineum/graph-mailgate/internal/mail"
	"github.com/shineum/graph-mailgate/internal/mailer"
)

// shutdownTimeout bounds how long ListenAndServe waits for in-flight
// requests to finish after the context is cancelled.
const shutdownTimeout = 30 * time.Second

// maxFieldValueSize bounds the size of a single non-file form field
// (To, Cc, Bcc, Subject, Body, IsHtml); attachment parts are unbounded and
// stream to disk instead.
const maxFieldValueSize = 1 << 20

// ServerConfig configures the HTTP front-end.
type ServerConfig struct {
	ListenAddr string
	Sender     *mailer.Sender
	SendOpts   mail.SendOptions

	// TLSConfig, if non-nil, serves this front-end over HTTPS using the
	// same certificate material as the SMTP listener's STARTTLS, adapted
	// for HTTP's ALPN negotiation via internal/tls.ForHTTP. Nil serves
	// plain HTTP.
	TLSConfig *tls.Config
}

// Server is the HTTP front-end over one Sender.
type Server struct {
	config ServerConfig
	srv    *http.Server
}

// New builds a Server. Call ListenAndServe to start it.
func New(cfg ServerConfig) *Server {
	mux := http.NewServeMux()
	s := &Server{config: cfg}
	mux.HandleFunc("/email/send", s.handleSend)
	s.srv = &http.Server{
		Addr:      cfg.ListenAddr,
		Handler:   mux,
		TLSConfig: cfg.TLSConfig,
		// No ReadTimeout/MaxHeaderBytes override on the body: spec.md §6
		// disables the body-size limit at this front-end.
	}
	return s
}

// ListenAndServe starts the HTTP front-end and blocks until ctx is
// cancelled, then waits up to shutdownTimeout for in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP front-end listening", "addr", s.config.ListenAddr, "tls_enabled", s.config.TLSConfig != nil)

		var err error
		if s.config.TLSConfig != nil {
			// Certificate and key are already loaded into TLSConfig; the
			// empty paths here tell ListenAndServeTLS to use them as-is.
			err = s.srv.ListenAndServeTLS("", "")
		} else {
			err = s.srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("shutting down HTTP front-end")
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	envelope, cleanup, err := parseSendRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer cleanup()

	if err := s.config.Sender.SendEmail(r.Context(), envelope, s.config.SendOpts); err != nil {
		status := mapSendErr(err)
		slog.Error("email send failed", "error", err, "status", status)
		writeError(w, status, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// parseSendRequest streams the multipart body into a MailEnvelope,
// writing each Attachments part straight to a temp file. The returned
// cleanup func removes every temp file created; callers must always call
// it, including on a non-nil error.
func parseSendRequest(r *http.Request) (mail.MailEnvelope, func(), error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return mail.MailEnvelope{}, func() {}, fmt.Errorf("expected multipart/form-data: %w", err)
	}

	var envelope mail.MailEnvelope
	var tempFiles []string
	cleanup := func() {
		for _, f := range tempFiles {
			os.Remove(f)
		}
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			cleanup()
			return mail.MailEnvelope{}, func() {}, fmt.Errorf("reading multipart body: %w", err)
		}

		name := part.FormName()
		if part.FileName() != "" && name == "Attachments" {
			path, err := spillPart(part)
			if err != nil {
				cleanup()
				return mail.MailEnvelope{}, func() {}, fmt.Errorf("streaming attachment %q: %w", part.FileName(), err)
			}
			tempFiles = append(tempFiles, path)
			envelope.Attachments = append(envelope.Attachments, mail.EmailAttachment{
				FileName:    part.FileName(),
				FilePath:    path,
				ContentType: part.Header.Get("Content-Type"),
			})
			continue
		}

		value, err := readFieldValue(part)
		if err != nil {
			cleanup()
			return mail.MailEnvelope{}, func() {}, fmt.Errorf("reading field %q: %w", name, err)
		}

		switch name {
		case "To":
			envelope.To = append(envelope.To, value)
		case "Cc":
			envelope.Cc = append(envelope.Cc, value)
		case "Bcc":
			envelope.Bcc = append(envelope.Bcc, value)
		case "Subject":
			envelope.Subject = value
		case "Body":
			envelope.Body = value
		case "IsHtml":
			b, err := strconv.ParseBool(value)
			if err != nil {
				cleanup()
				return mail.MailEnvelope{}, func() {}, fmt.Errorf("field IsHtml: %w", err)
			}
			envelope.IsHTML = b
		}
	}

	return envelope, cleanup, nil
}

func readFieldValue(part *multipart.Part) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxFieldValueSize+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxFieldValueSize {
		return "", fmt.Errorf("field value exceeds %d bytes", maxFieldValueSize)
	}
	return string(data), nil
}

func spillPart(part *multipart.Part) (string, error) {
	f, err := os.CreateTemp("", "graph-mailgate-att-*")
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, part); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

// mapSendErr maps a core pipeline error to the HTTP status the front-end
// reports, per spec.md §6 ("failure returns the mapped HTTP error").
func mapSendErr(err error) int {
	var agg *mail.AggregateError
	if errors.As(err, &agg) {
		return http.StatusBadGateway
	}

	var merr *mail.Error
	if errors.As(err, &merr) {
		switch merr.Kind {
		case mail.KindArgument:
			return http.StatusBadRequest
		case mail.KindAuth:
			return http.StatusBadGateway
		case mail.KindCancelled:
			return http.StatusGatewayTimeout
		default:
			return http.StatusBadGateway
		}
	}

	return http.StatusInternalServerError
}
