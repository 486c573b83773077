package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"keygate.app/cloud/handlers"
	"keygate.app/cloud/ledger"
	"keygate.app/cloud/storage"
)

const TestAdmin = "admin.wallet"

// ManualClock is a settable nanosecond time source for deterministic tests.
type ManualClock struct {
	ns uint64
}

func NewManualClock(ns uint64) *ManualClock {
	return &ManualClock{ns: ns}
}

func (c *ManualClock) Now() uint64 {
	return c.ns
}

func (c *ManualClock) Set(ns uint64) {
	c.ns = ns
}

func (c *ManualClock) Advance(ns uint64) {
	c.ns += ns
}

// NewTestLedger builds a memory-backed ledger with TestAdmin and a manual
// clock starting at startNS.
func NewTestLedger(t *testing.T, startNS uint64) (*ledger.Ledger, *ManualClock) {
	t.Helper()

	l, err := ledger.Initialize(context.Background(), storage.NewMemoryStore(), TestAdmin)
	if err != nil {
		t.Fatalf("Failed to initialize test ledger: %v", err)
	}

	clock := NewManualClock(startNS)
	l.SetClock(clock.Now)
	return l, clock
}

// MakeGrantRequest sends a grant request through the full router with the
// given caller identity.
func MakeGrantRequest(t *testing.T, server *handlers.Server, caller, identity string, days uint32) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(handlers.GrantRequest{Identity: identity, DurationDays: days})
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/licenses/grant", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Identity", caller)

	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

// MakeStatusRequest queries the public status endpoint.
func MakeStatusRequest(t *testing.T, server *handlers.Server, identity string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/licenses/status?identity="+identity, nil)
	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

// DecodeJSON decodes a recorded response body into out.
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()

	if err := json.NewDecoder(w.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

// CreateStripeWebhookPayload creates a mock Stripe webhook payload.
func CreateStripeWebhookPayload(eventType string, sessionData map[string]interface{}) []byte {
	event := map[string]interface{}{
		"id":   "evt_test123",
		"type": eventType,
		"data": map[string]interface{}{
			"object": sessionData,
		},
	}

	payload, _ := json.Marshal(event)
	return payload
}

// CreateCheckoutSession creates a mock completed checkout session whose
// metadata carries the grant target.
func CreateCheckoutSession(sessionID, identity string, durationDays string) map[string]interface{} {
	return map[string]interface{}{
		"id":             sessionID,
		"payment_status": "paid",
		"metadata": map[string]interface{}{
			"identity":      identity,
			"duration_days": durationDays,
		},
	}
}

// MakeStripeWebhookRequest sends a Stripe webhook payload with signature
// verification bypassed.
func MakeStripeWebhookRequest(t *testing.T, server *handlers.Server, payload []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", "test-signature")

	t.Setenv("TEST_MODE", "true")

	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}
