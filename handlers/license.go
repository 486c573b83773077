package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"keygate.app/cloud/internal/logger"
	"keygate.app/cloud/ledger"
)

// The caller's identity arrives on this header. The surrounding platform is
// responsible for authenticating it; the ledger only compares it against the
// administrator.
const identityHeader = "X-Identity"

type GrantRequest struct {
	Identity     string `json:"identity"`
	DurationDays uint32 `json:"duration_days"`
}

type GrantResponse struct {
	Identity string `json:"identity"`
	ExpiryNS uint64 `json:"expiry_ns"`
}

type StatusResponse struct {
	Identity string `json:"identity"`
	Licensed bool   `json:"licensed"`
}

type ExpiryResponse struct {
	Identity string  `json:"identity"`
	Found    bool    `json:"found"`
	ExpiryNS *uint64 `json:"expiry_ns,omitempty"`
}

func (s *Server) GrantLicense(w http.ResponseWriter, r *http.Request) {
	caller := r.Header.Get(identityHeader)

	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := req.validate(); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	expiry, err := s.Ledger.Grant(r.Context(), caller, req.Identity, req.DurationDays)
	if errors.Is(err, ledger.ErrUnauthorized) {
		s.Stats.Unauthorized.Inc()
		logger.Warn("Grant rejected", logger.Fields{
			"caller":   caller,
			"identity": req.Identity,
		})
		writeErrorResponse(w, http.StatusForbidden, "Unauthorized")
		return
	}
	if err != nil {
		logger.Error("Grant failed", logger.Fields{
			"identity": req.Identity,
			"error":    err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.Stats.Grants.Inc()
	logger.Info("License granted", logger.Fields{
		"identity":      req.Identity,
		"duration_days": req.DurationDays,
		"expiry_ns":     expiry,
	})

	writeJSON(w, http.StatusOK, GrantResponse{
		Identity: req.Identity,
		ExpiryNS: expiry,
	})
}

func (s *Server) LicenseStatus(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		writeErrorResponse(w, http.StatusBadRequest, "identity required")
		return
	}

	licensed, err := s.Ledger.IsLicensed(r.Context(), identity)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Identity: identity,
		Licensed: licensed,
	})
}

func (s *Server) LicenseExpiry(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		writeErrorResponse(w, http.StatusBadRequest, "identity required")
		return
	}

	expiry, found, err := s.Ledger.GetExpiry(r.Context(), identity)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := ExpiryResponse{Identity: identity, Found: found}
	if found {
		resp.ExpiryNS = &expiry
	}
	writeJSON(w, http.StatusOK, resp)
}

func (gr GrantRequest) validate() error {
	if gr.Identity == "" {
		return fmt.Errorf("identity required")
	}
	// Identities are opaque strings; any format is accepted.
	return nil
}
