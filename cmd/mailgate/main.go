// Package main is the entry point for the mail gateway: an SMTP ingress
// (and optional HTTP front-end) that delivers outbound mail through
// Microsoft Graph, with AWS SES and stdout as secondary backends.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/shineum/graph-mailgate/internal/config"
	"github.com/shineum/graph-mailgate/internal/httpfront"
	"github.com/shineum/graph-mailgate/internal/mail"
	"github.com/shineum/graph-mailgate/internal/mailer"
	"github.com/shineum/graph-mailgate/internal/provider"
	"github.com/shineum/graph-mailgate/internal/provider/graph"
	"github.com/shineum/graph-mailgate/internal/provider/ses"
	"github.com/shineum/graph-mailgate/internal/provider/stdout"
	"github.com/shineum/graph-mailgate/internal/smtp"
	smtptls "github.com/shineum/graph-mailgate/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	prov, graphSender := selectProvider(cfg)
	defer func() {
		if graphSender != nil {
			graphSender.Close()
		}
	}()

	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       "localhost",
		Provider:       prov,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	slog.Info("starting graph-mailgate",
		"listen", cfg.SMTP.Listen,
		"provider", prov.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
		"http_tls_enabled", cfg.HTTP.TLSEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := smtpServer.ListenAndServe(ctx); err != nil {
			errCh <- err
		}
	}()

	if cfg.HTTP.Listen != "" && graphSender != nil {
		var httpTLS *tls.Config
		if cfg.HTTP.TLSEnabled {
			httpTLS = smtptls.ForHTTP(tlsConfig)
		}
		httpServer := httpfront.New(httpfront.ServerConfig{
			ListenAddr: cfg.HTTP.Listen,
			Sender:     graphSender,
			SendOpts:   sendOptionsFromConfig(cfg),
			TLSConfig:  httpTLS,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpServer.ListenAndServe(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		slog.Error("server error", "error", err)
	}

	slog.Info("graph-mailgate stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// sendOptionsFromConfig maps the configured send overrides onto
// mail.SendOptions; zero fields are filled in with defaults by the
// pipeline itself.
func sendOptionsFromConfig(cfg *config.Config) mail.SendOptions {
	return mail.SendOptions{
		RequestTimeout:             cfg.Send.RequestTimeout,
		LargeAttachmentThreshold:   cfg.Send.LargeAttachmentThreshold,
		ChunkSize:                  cfg.Send.ChunkSize,
		MaxAggregateAttachmentSize: cfg.Send.MaxAggregateAttachmentSize,
		SaveToSentItems:            cfg.Send.SaveToSentItems,
	}
}

// selectProvider chooses the SMTP front-end's delivery backend based on
// configuration. If the PROVIDER env var is set, it takes precedence;
// otherwise it auto-detects (Graph if configured, then SES, else stdout).
// The second return value is the underlying *mailer.Sender when Graph was
// selected, so the optional HTTP front-end can share it; nil otherwise.
func selectProvider(cfg *config.Config) (provider.Provider, *mailer.Sender) {
	switch cfg.Provider {
	case "ses":
		return newSESProvider(cfg), nil

	case "graph":
		if !cfg.GraphConfigured() {
			slog.Error("Graph provider selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, and GRAPH_SENDER are required")
			os.Exit(1)
		}
		return newGraphProvider(cfg)

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New(), nil

	case "":
		if cfg.GraphConfigured() {
			return newGraphProvider(cfg)
		}
		if cfg.SESConfigured() {
			return newSESProvider(cfg), nil
		}
		slog.Info("no provider configured, using stdout provider")
		return stdout.New(), nil

	default:
		slog.Error("unknown provider", "provider", cfg.Provider)
		os.Exit(1)
		return nil, nil
	}
}

func newGraphProvider(cfg *config.Config) (provider.Provider, *mailer.Sender) {
	slog.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
	sender := mailer.New(mail.AuthConfig{
		TenantID:      cfg.Graph.TenantID,
		ClientID:      cfg.Graph.ClientID,
		ClientSecret:  cfg.Graph.ClientSecret,
		DefaultSender: cfg.Graph.Sender,
	})
	return graph.New(sender, sendOptionsFromConfig(cfg)), sender
}

func newSESProvider(cfg *config.Config) provider.Provider {
	if !cfg.SESConfigured() {
		slog.Error("SES provider selected but SES_REGION and SES_SENDER are required")
		os.Exit(1)
	}
	slog.Info("using AWS SES provider", "region", cfg.SES.Region, "sender", cfg.SES.Sender)
	p, err := ses.New(context.Background(), ses.SESProviderConfig{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Sender:          cfg.SES.Sender,
	})
	if err != nil {
		slog.Error("failed to create SES provider", "error", err)
		os.Exit(1)
	}
	return p
}
