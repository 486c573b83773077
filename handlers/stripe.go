package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"keygate.app/cloud/internal/logger"
)

// Stripe handles checkout webhooks. A completed checkout session whose
// metadata names an identity and a duration is applied as an
// administrator-originated grant: the webhook runs inside the deployment, so
// it grants with the administrator's own identity.
func (s *Server) Stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	logger.Info("Stripe webhook received", logger.Fields{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.Header.Get("User-Agent"),
	})

	const MaxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", logger.Fields{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	event := stripe.Event{}
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.Error("Failed to parse webhook JSON", logger.Fields{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Skip signature verification in test mode
	if os.Getenv("TEST_MODE") == "true" {
		logger.Debug("Skipping webhook signature verification (test mode)")
	} else {
		endpointSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
		if endpointSecret == "" {
			logger.Error("STRIPE_WEBHOOK_SECRET environment variable not set")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		signatureHeader := r.Header.Get("Stripe-Signature")
		event, err = webhook.ConstructEvent(payload, signatureHeader, endpointSecret)
		if err != nil {
			logger.Error("Webhook signature verification failed", logger.Fields{
				"error": err.Error(),
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	switch event.Type {
	case "checkout.session.completed":
		if err := s.handleCheckoutCompleted(ctx, event); err != nil {
			logger.Error("Failed to process checkout session", logger.Fields{
				"event_id": event.ID,
				"error":    err.Error(),
			})
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	default:
		logger.Debug("Ignoring Stripe event", logger.Fields{
			"event_type": string(event.Type),
		})
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return fmt.Errorf("event %s has no data object", event.ID)
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("parse checkout session: %w", err)
	}

	identity := session.Metadata["identity"]
	if identity == "" {
		return fmt.Errorf("checkout session %s has no identity metadata", session.ID)
	}

	days, err := strconv.ParseUint(session.Metadata["duration_days"], 10, 32)
	if err != nil {
		return fmt.Errorf("checkout session %s has invalid duration_days: %w", session.ID, err)
	}

	expiry, err := s.Ledger.Grant(ctx, s.Ledger.Admin(), identity, uint32(days))
	if err != nil {
		return fmt.Errorf("grant for checkout session %s: %w", session.ID, err)
	}

	s.Stats.Grants.Inc()
	logger.Info("License granted from checkout", logger.Fields{
		"session_id":    session.ID,
		"identity":      identity,
		"duration_days": days,
		"expiry_ns":     expiry,
	})

	return nil
}
