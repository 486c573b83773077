package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"keygate.app/cloud/handlers"
	"keygate.app/cloud/internal/config"
	"keygate.app/cloud/internal/logger"
	"keygate.app/cloud/ledger"
	"keygate.app/cloud/storage"
)

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}

	store, err := storage.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close store", logger.Fields{"error": err.Error()})
		}
	}()

	ctx := context.Background()

	ldg, err := ledger.Open(ctx, store)
	if errors.Is(err, ledger.ErrNotInitialized) {
		logger.Info("Initializing ledger", logger.Fields{"admin": cfg.AdminIdentity})
		ldg, err = ledger.Initialize(ctx, store, cfg.AdminIdentity)
	}
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}

	// The administrator is immutable after first deployment.
	if ldg.Admin() != cfg.AdminIdentity {
		log.Fatalf("ADMIN_IDENTITY %q does not match persisted administrator %q", cfg.AdminIdentity, ldg.Admin())
	}

	server := handlers.NewServer(ldg, version)

	logger.Info("Keygate ledger starting", logger.Fields{
		"version": version,
		"port":    cfg.Port,
	})
	log.Fatal(http.ListenAndServe(":"+cfg.Port, server.Router))
}
