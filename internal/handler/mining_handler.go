package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"finova-engine/internal/domain"
	"finova-engine/internal/engine"
	"finova-engine/internal/middleware"
	"finova-engine/internal/observability"
)

// MiningHandler handles the mining session endpoints
type MiningHandler struct {
	service *engine.Service
}

// NewMiningHandler creates a new mining handler
func NewMiningHandler(service *engine.Service) *MiningHandler {
	return &MiningHandler{service: service}
}

// ApplyBoostRequest names a consumable card, or describes a custom
// boost when no card type is given
type ApplyBoostRequest struct {
	CardType string `json:"cardType,omitempty"`

	Category        string  `json:"category,omitempty"`
	Multiplier      float64 `json:"multiplier,omitempty"`
	DurationSeconds int64   `json:"durationSeconds,omitempty"`
	Stackable       bool    `json:"stackable,omitempty"`
	Source          string  `json:"source,omitempty"`
}

// ActivityRequest reports one quality-scored user activity
type ActivityRequest struct {
	Kind    string  `json:"kind"`
	Points  float64 `json:"points"`
	Quality float64 `json:"quality,omitempty"`
}

// Start begins a mining session for the authenticated user
func (h *MiningHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	session, err := h.service.Start(r.Context(), userID)
	if errors.Is(err, domain.ErrSessionExists) {
		// Idempotent: the running session comes back instead of an error.
		writeJSON(w, http.StatusOK, map[string]any{
			"session":       session,
			"alreadyActive": true,
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session": session,
	})
}

// Stop ends the session and settles the accumulated balance
func (h *MiningHandler) Stop(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	record, err := h.service.Stop(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"settlement": record,
	})
}

// Claim settles the balance and, when configured, restarts the session
func (h *MiningHandler) Claim(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	record, next, err := h.service.Claim(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	response := map[string]any{
		"settlement": record,
	}
	if next != nil {
		response["session"] = next
	}
	writeJSON(w, http.StatusOK, response)
}

// Status returns the session with its balance projected to now
func (h *MiningHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	session, err := h.service.Status(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session": session,
	})
}

// Boost applies a consumable boost card to the running session
func (h *MiningHandler) Boost(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	var req ApplyBoostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}

	var session domain.Session
	var err error
	if req.CardType != "" {
		session, err = h.service.ApplyBoost(r.Context(), userID, req.CardType)
	} else {
		session, err = h.service.ApplyBoostSpec(r.Context(), userID, domain.BoostSpec{
			Category:   req.Category,
			Multiplier: req.Multiplier,
			Duration:   time.Duration(req.DurationSeconds) * time.Second,
			Stackable:  req.Stackable,
			Source:     req.Source,
		})
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session": session,
	})
}

// Activity records a quality-scored activity event on the session
func (h *MiningHandler) Activity(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	var req ActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}

	session, err := h.service.RecordActivity(r.Context(), userID, domain.ActivityEvent{
		Kind:    req.Kind,
		Points:  req.Points,
		Quality: req.Quality,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session": session,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps engine errors onto HTTP statuses. Eligibility
// denials surface their reason code so clients can react to it.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var elig *domain.EligibilityError
	if errors.As(err, &elig) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":  "Not eligible to mine",
			"reason": elig.Code,
			"detail": elig.Detail,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		http.Error(w, `{"error":"Invalid request"}`, http.StatusBadRequest)
	case errors.Is(err, domain.ErrSessionNotFound):
		http.Error(w, `{"error":"No mining session"}`, http.StatusNotFound)
	case errors.Is(err, domain.ErrSessionNotActive), errors.Is(err, domain.ErrVersionConflict):
		http.Error(w, `{"error":"Session is not active"}`, http.StatusConflict)
	case errors.Is(err, domain.ErrQuarantined):
		http.Error(w, `{"error":"Session is under manual review"}`, http.StatusConflict)
	case domain.IsTransient(err):
		observability.FromContext(r.Context()).Warn("request failed on dependency",
			slog.Any("error", err))
		http.Error(w, `{"error":"Temporarily unavailable, retry later"}`, http.StatusServiceUnavailable)
	default:
		observability.FromContext(r.Context()).Error("unhandled request error",
			slog.Any("error", err))
		http.Error(w, `{"error":"Internal server error"}`, http.StatusInternalServerError)
	}
}
