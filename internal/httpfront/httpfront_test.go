package httpfront

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/shineum/graph-mailgate/internal/mail"
	"github.com/shineum/graph-mailgate/internal/mailer"
)

// redirectTransport rewrites every outbound request's scheme and host to a
// fixed fake Graph backend, regardless of the production host the Sender
// computed the request against.
type redirectTransport struct {
	target *url.URL
}

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newFakeGraphSender(t *testing.T, backend *httptest.Server) *mailer.Sender {
	t.Helper()
	target, err := url.Parse(backend.URL)
	if err != nil {
		t.Fatalf("parsing backend URL: %v", err)
	}
	client := &http.Client{Transport: redirectTransport{target: target}}
	return mailer.New(mail.AuthConfig{
		TenantID:      "tenant",
		ClientID:      "client",
		ClientSecret:  "secret",
		DefaultSender: "sender@example.com",
	}, mailer.WithHTTPClient(client))
}

func tokenHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
}

func happyGraphBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/oauth2/v2.0/token"):
			tokenHandler(w, r)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"id": "M1"})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/attachments"):
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/messages/M1"):
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"subject": "Hi", "body": map[string]string{"contentType": "Text", "content": "Hello"}})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/sendMail"):
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})
	return httptest.NewServer(mux)
}

func buildMultipartBody(t *testing.T, fields map[string]string, attachments map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("writing field %q: %v", k, err)
		}
	}
	for name, content := range attachments {
		fw, err := w.CreateFormFile("Attachments", name)
		if err != nil {
			t.Fatalf("creating form file: %v", err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatalf("writing attachment content: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	return body, w.FormDataContentType()
}

func TestHandleSend_SimpleTextSend(t *testing.T) {
	t.Parallel()

	backend := happyGraphBackend(t)
	defer backend.Close()

	sender := newFakeGraphSender(t, backend)
	defer sender.Close()

	srv := New(ServerConfig{Sender: sender})

	body, contentType := buildMultipartBody(t, map[string]string{
		"To":      "a@x.io",
		"Subject": "Hi",
		"Body":    "Hello",
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/email/send", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	srv.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleSend_WithAttachmentStreamsToDisk(t *testing.T) {
	t.Parallel()

	backend := happyGraphBackend(t)
	defer backend.Close()

	sender := newFakeGraphSender(t, backend)
	defer sender.Close()

	srv := New(ServerConfig{Sender: sender})

	body, contentType := buildMultipartBody(t,
		map[string]string{"To": "a@x.io", "Subject": "Hi", "Body": "Hello"},
		map[string]string{"report.csv": "a,b,c\n1,2,3\n"},
	)

	req := httptest.NewRequest(http.MethodPost, "/email/send", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	srv.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleSend_IsHtmlFieldParsed(t *testing.T) {
	t.Parallel()

	var sawIsHTML bool
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/oauth2/v2.0/token"):
			tokenHandler(w, r)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
			var decoded map[string]any
			json.NewDecoder(r.Body).Decode(&decoded)
			if b, ok := decoded["body"].(map[string]any); ok {
				sawIsHTML = b["contentType"] == "HTML"
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"id": "M1"})
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/messages/M1"):
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"subject": "Hi", "body": map[string]string{"contentType": "HTML", "content": "<p>Hi</p>"}})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/sendMail"):
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	sender := newFakeGraphSender(t, backend)
	defer sender.Close()

	srv := New(ServerConfig{Sender: sender})

	body, contentType := buildMultipartBody(t, map[string]string{
		"To":      "a@x.io",
		"Subject": "Hi",
		"Body":    "<p>Hi</p>",
		"IsHtml":  "true",
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/email/send", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	srv.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
	if !sawIsHTML {
		t.Error("expected draft body contentType to be HTML")
	}
}

func TestHandleSend_InvalidIsHtmlFieldIsBadRequest(t *testing.T) {
	t.Parallel()

	sender := mailer.New(mail.AuthConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"})
	defer sender.Close()
	srv := New(ServerConfig{Sender: sender})

	body, contentType := buildMultipartBody(t, map[string]string{
		"To":      "a@x.io",
		"Subject": "Hi",
		"Body":    "Hello",
		"IsHtml":  "not-a-bool",
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/email/send", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	srv.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleSend_ValidationErrorMapsToBadRequest(t *testing.T) {
	t.Parallel()

	sender := mailer.New(mail.AuthConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"})
	defer sender.Close()
	srv := New(ServerConfig{Sender: sender})

	// No "To" field at all: validate() rejects zero recipients before any
	// network call is attempted.
	body, contentType := buildMultipartBody(t, map[string]string{
		"Subject": "Hi",
		"Body":    "Hello",
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/email/send", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	srv.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}

	var errResp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	if errResp.Error == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestHandleSend_NonMultipartBodyIsBadRequest(t *testing.T) {
	t.Parallel()

	sender := mailer.New(mail.AuthConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"})
	defer sender.Close()
	srv := New(ServerConfig{Sender: sender})

	req := httptest.NewRequest(http.MethodPost, "/email/send", strings.NewReader(`{"to":"a@x.io"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSend_WrongMethodIsMethodNotAllowed(t *testing.T) {
	t.Parallel()

	sender := mailer.New(mail.AuthConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"})
	defer sender.Close()
	srv := New(ServerConfig{Sender: sender})

	req := httptest.NewRequest(http.MethodGet, "/email/send", nil)
	rec := httptest.NewRecorder()

	srv.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestMapSendErr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"argument", mail.ArgumentError("to", errors.New("bad")), http.StatusBadRequest},
		{"auth", mail.AuthError(errors.New("bad")), http.StatusBadGateway},
		{"cancelled", mail.CancelledError(context.Canceled), http.StatusGatewayTimeout},
		{"backend-default", &mail.Error{Kind: mail.KindSendMessage, Err: errors.New("x")}, http.StatusBadGateway},
		{"aggregate", &mail.AggregateError{Primary: &mail.Error{Kind: mail.KindSendMessage}, Cleanup: &mail.Error{Kind: mail.KindDeleteDraft}}, http.StatusBadGateway},
		{"unknown", errors.New("not a mail.Error"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapSendErr(tt.err); got != tt.want {
				t.Errorf("mapSendErr(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestSpillPart_CreatesTempFileWithContent(t *testing.T) {
	t.Parallel()

	body, contentType := buildMultipartBody(t, nil, map[string]string{"a.txt": "hello world"})
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		t.Fatalf("parsing content type: %v", err)
	}
	mr := multipart.NewReader(body, params["boundary"])

	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("reading part: %v", err)
	}
	path, err := spillPart(part)
	if err != nil {
		t.Fatalf("spillPart: %v", err)
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening spilled file: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("reading spilled file: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("spilled content = %q, want %q", string(data), "hello world")
	}
}
