package config

import (
	"errors"
	"os"

	"github.com/hashicorp/go-multierror"
)

type Config struct {
	Port string

	DatabaseURL string

	// AdminIdentity is the only identity allowed to grant licenses. It is
	// fixed at first deployment; startup fails if it later disagrees with
	// the persisted administrator.
	AdminIdentity string

	StripeWebhookSecret string

	SentryDSN string
}

// New reads configuration from the environment. Every missing required
// variable is reported, not just the first.
func New() (*Config, error) {
	var errs *multierror.Error

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		errs = multierror.Append(errs, errors.New("DATABASE_URL environment variable is required"))
	}

	adminIdentity := os.Getenv("ADMIN_IDENTITY")
	if adminIdentity == "" {
		errs = multierror.Append(errs, errors.New("ADMIN_IDENTITY environment variable is required"))
	}

	// Optional: without it the Stripe webhook rejects every event.
	stripeWebhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")

	sentryDSN := os.Getenv("SENTRY_DSN")

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	return &Config{
		Port:                port,
		DatabaseURL:         dbURL,
		AdminIdentity:       adminIdentity,
		StripeWebhookSecret: stripeWebhookSecret,
		SentryDSN:           sentryDSN,
	}, nil
}
