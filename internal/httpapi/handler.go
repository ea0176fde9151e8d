// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

// Package httpapi exposes the auth service over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/smartpark/authd/internal/auth"
	"github.com/smartpark/authd/internal/observability"
	"github.com/smartpark/authd/pkg/errutil"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Handler serves the auth endpoints.
type Handler struct {
	svc     *auth.Service
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewHandler creates a Handler. metrics may be nil (no metrics recorded).
func NewHandler(svc *auth.Service, metrics *observability.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, metrics: metrics, logger: logger}
}

type registerRequest struct {
	FullName    string `json:"fullName"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

type registerResponse struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type googleLoginRequest struct {
	IDToken string `json:"idToken"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type resetRequestRequest struct {
	Email string `json:"email"`
}

type resetCompleteRequest struct {
	Email       string `json:"email"`
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Register handles POST /api/auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}

	identity, err := h.svc.Register(r.Context(), auth.RegisterRequest{
		FullName:    req.FullName,
		Email:       req.Email,
		Password:    req.Password,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		h.countRegistration(outcomeFailure)
		h.writeError(w, err)
		return
	}

	h.countRegistration(outcomeSuccess)
	h.writeJSON(w, http.StatusCreated, registerResponse{
		ID:       identity.ID.String(),
		FullName: identity.FullName,
		Email:    identity.Email,
	})
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	token, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.countLogin(outcomeFailure)
		h.writeError(w, err)
		return
	}

	h.countLogin(outcomeSuccess)
	h.writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

// GoogleLogin handles POST /api/auth/google-login.
func (h *Handler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	var req googleLoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	token, err := h.svc.FederatedLogin(r.Context(), req.IDToken)
	if err != nil {
		h.countFederated(outcomeFailure)
		h.writeError(w, err)
		return
	}

	h.countFederated(outcomeSuccess)
	h.writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

// RequestPasswordReset handles POST /api/auth/password-reset/request.
func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequestRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.countReset("request", outcomeFailure)
		h.writeError(w, err)
		return
	}

	h.countReset("request", outcomeSuccess)
	h.writeJSON(w, http.StatusAccepted, messageResponse{
		Message: "password reset email sent",
	})
}

// CompletePasswordReset handles POST /api/auth/password-reset/complete.
func (h *Handler) CompletePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetCompleteRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.svc.CompletePasswordReset(r.Context(), req.Email, req.Token, req.NewPassword); err != nil {
		h.countReset("complete", outcomeFailure)
		h.writeError(w, err)
		return
	}

	h.countReset("complete", outcomeSuccess)
	h.writeJSON(w, http.StatusOK, messageResponse{
		Message: "password updated",
	})
}

// decode parses the JSON request body. On failure it writes a 400 response
// and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// writeError maps domain errors to HTTP status codes. Unrecognized errors
// become 500s with a generic body so internal details never leak to clients.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrValidation):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid input"})
	case errors.Is(err, auth.ErrEmailTaken):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: "email already registered"})
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
	case errors.Is(err, auth.ErrInvalidFederatedToken):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid ID token"})
	case errors.Is(err, auth.ErrFederatedDisabled):
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "google login is not available"})
	case errors.Is(err, auth.ErrInvalidResetToken):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid or expired reset token"})
	case errors.Is(err, auth.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "account not found"})
	default:
		errutil.LogError(h.logger, "request failed", err)
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

func (h *Handler) countRegistration(outcome string) {
	if h.metrics != nil {
		h.metrics.RegistrationsTotal.WithLabelValues(outcome).Inc()
	}
}

func (h *Handler) countLogin(outcome string) {
	if h.metrics != nil {
		h.metrics.LoginsTotal.WithLabelValues(outcome).Inc()
	}
}

func (h *Handler) countFederated(outcome string) {
	if h.metrics != nil {
		h.metrics.FederatedLoginsTotal.WithLabelValues(outcome).Inc()
	}
}

func (h *Handler) countReset(phase, outcome string) {
	if h.metrics != nil {
		h.metrics.PasswordResetsTotal.WithLabelValues(phase, outcome).Inc()
	}
}
