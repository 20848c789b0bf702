package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sfrink/certus/internal/api"
	"github.com/sfrink/certus/internal/config"
	"github.com/sfrink/certus/internal/logging"
	"github.com/sfrink/certus/internal/mail"
	"github.com/sfrink/certus/internal/service"
	"github.com/sfrink/certus/internal/session"
	"github.com/sfrink/certus/internal/storage"
	"github.com/sfrink/certus/internal/storage/postgres"
)

type Application struct {
	Server *http.Server
	Store  storage.Store
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}

	mailer, err := mail.New(cfg.Mail.Host, cfg.Mail.User, cfg.Mail.Password, cfg.Mail.From, cfg.Mail.SkipVerify)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("configure mailer: %w", err)
	}
	if !mailer.Enabled() {
		logger.Info("mail delivery disabled")
	}

	sessions := session.NewStore(time.Duration(cfg.Session.TTLMinutes) * time.Minute)

	svc, err := service.New(service.Params{
		Store:    store,
		Sessions: sessions,
		Mailer:   mailer,
		Logger:   logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build voting service: %w", err)
	}

	handler := api.NewHandler(svc, logger)
	env := logging.Environment{
		Service: cfg.Logging.Service,
		Version: cfg.Logging.Version,
		Commit:  cfg.Logging.Commit,
		Region:  cfg.Logging.Region,
	}
	root := logging.Middleware(logger, env)(handler.Router())

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Application{Server: server, Store: store}, nil
}

func (a *Application) Shutdown(ctx context.Context) error {
	defer a.Store.Close()
	return a.Server.Shutdown(ctx)
}
