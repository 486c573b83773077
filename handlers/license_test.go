package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"keygate.app/cloud/ledger"
	"keygate.app/cloud/storage"
)

const testAdmin = "admin.wallet"

type manualClock struct {
	ns uint64
}

func (c *manualClock) now() uint64 {
	return c.ns
}

func newTestServer(t *testing.T, startNS uint64) (*Server, *manualClock) {
	t.Helper()

	l, err := ledger.Initialize(context.Background(), storage.NewMemoryStore(), testAdmin)
	if err != nil {
		t.Fatalf("Failed to initialize ledger: %v", err)
	}

	clock := &manualClock{ns: startNS}
	l.SetClock(clock.now)

	return NewServer(l, "test"), clock
}

func grantRequest(t *testing.T, server *Server, caller string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/licenses/grant", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Identity", caller)
	}

	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

func marshalGrant(t *testing.T, identity string, days uint32) []byte {
	t.Helper()

	body, err := json.Marshal(GrantRequest{Identity: identity, DurationDays: days})
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	return body
}

func TestGrantLicense_Success(t *testing.T) {
	server, _ := newTestServer(t, 1_000_000_000)

	w := grantRequest(t, server, testAdmin, marshalGrant(t, "alice.near", 30))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp GrantResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	want := uint64(2_593_000_000_000_000)
	if resp.ExpiryNS != want {
		t.Errorf("Expected expiry_ns %d, got %d", want, resp.ExpiryNS)
	}
	if resp.Identity != "alice.near" {
		t.Errorf("Expected identity 'alice.near', got '%s'", resp.Identity)
	}

	if server.Stats.Grants.Load() != 1 {
		t.Errorf("Expected 1 grant counted, got %d", server.Stats.Grants.Load())
	}
}

func TestGrantLicense_Unauthorized(t *testing.T) {
	tests := []struct {
		name   string
		caller string
	}{
		{"non-admin caller", "mallory"},
		{"missing identity header", ""},
		{"target granting itself", "alice.near"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := newTestServer(t, 1_000_000_000)

			w := grantRequest(t, server, tt.caller, marshalGrant(t, "alice.near", 30))

			if w.Code != http.StatusForbidden {
				t.Errorf("Expected status %d, got %d", http.StatusForbidden, w.Code)
			}

			var resp map[string]string
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp["error"] != "Unauthorized" {
				t.Errorf("Expected error 'Unauthorized', got '%s'", resp["error"])
			}

			// No entry may have been written.
			statusW := statusRequest(t, server, "alice.near")
			var status StatusResponse
			if err := json.NewDecoder(statusW.Body).Decode(&status); err != nil {
				t.Fatalf("Failed to decode status: %v", err)
			}
			if status.Licensed {
				t.Errorf("Expected no license after rejected grant")
			}

			if server.Stats.Unauthorized.Load() != 1 {
				t.Errorf("Expected 1 unauthorized counted, got %d", server.Stats.Unauthorized.Load())
			}
		})
	}
}

func TestGrantLicense_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"empty body", []byte("")},
		{"invalid json", []byte("{not-json")},
		{"missing identity", []byte(`{"duration_days": 30}`)},
		{"negative duration", []byte(`{"identity": "alice", "duration_days": -5}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := newTestServer(t, 1_000_000_000)

			w := grantRequest(t, server, testAdmin, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
			}
		})
	}
}

func statusRequest(t *testing.T, server *Server, identity string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/licenses/status?identity="+identity, nil)
	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

func expiryRequest(t *testing.T, server *Server, identity string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/licenses/expiry?identity="+identity, nil)
	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

func TestLicenseStatus(t *testing.T) {
	server, clock := newTestServer(t, 1_000_000_000)

	w := grantRequest(t, server, testAdmin, marshalGrant(t, "alice.near", 1))
	if w.Code != http.StatusOK {
		t.Fatalf("Grant failed with status %d", w.Code)
	}

	// Licensed while the expiry is in the future.
	var status StatusResponse
	if err := json.NewDecoder(statusRequest(t, server, "alice.near").Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if !status.Licensed {
		t.Errorf("Expected licensed before expiry")
	}

	// One day and one nanosecond later the license has lapsed.
	clock.ns = 1_000_000_000 + ledger.DayNanos + 1
	if err := json.NewDecoder(statusRequest(t, server, "alice.near").Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status.Licensed {
		t.Errorf("Expected unlicensed after expiry")
	}

	// Unknown identities are simply unlicensed, not an error.
	w = statusRequest(t, server, "stranger")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestLicenseStatus_MissingIdentity(t *testing.T) {
	server, _ := newTestServer(t, 1_000_000_000)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/licenses/status", nil)
	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestLicenseExpiry(t *testing.T) {
	server, clock := newTestServer(t, 1_000_000_000)

	// Never granted: found=false, no expiry field.
	var resp ExpiryResponse
	if err := json.NewDecoder(expiryRequest(t, server, "alice.near").Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Found || resp.ExpiryNS != nil {
		t.Errorf("Expected absent expiry for never-granted identity")
	}

	w := grantRequest(t, server, testAdmin, marshalGrant(t, "alice.near", 1))
	if w.Code != http.StatusOK {
		t.Fatalf("Grant failed with status %d", w.Code)
	}

	// Expired licenses still expose their raw past timestamp.
	clock.ns = 1_000_000_000 + ledger.DayNanos + 1
	if err := json.NewDecoder(expiryRequest(t, server, "alice.near").Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Found || resp.ExpiryNS == nil {
		t.Fatalf("Expected expiry entry to survive expiry")
	}
	want := uint64(1_000_000_000) + ledger.DayNanos
	if *resp.ExpiryNS != want {
		t.Errorf("Expected expiry_ns %d, got %d", want, *resp.ExpiryNS)
	}
}
