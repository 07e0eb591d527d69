package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/reachinbox/scheduler/ingress"
	"github.com/reachinbox/scheduler/model"
	"github.com/reachinbox/scheduler/queue"
	"github.com/reachinbox/scheduler/store"
)

// API holds the HTTP handlers for the scheduler's control surface
// (spec.md §6).
type API struct {
	store   store.Store
	queue   queue.Queue
	ingress *ingress.Scheduler
	hub     *StatusHub
}

func NewAPI(st store.Store, q queue.Queue, sched *ingress.Scheduler, hub *StatusHub) *API {
	return &API{store: st, queue: q, ingress: sched, hub: hub}
}

// envelope is the response shape fixed by spec.md §6: {success, data?, error?, details?}.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string, details interface{}) {
	writeJSON(w, status, envelope{Success: false, Error: message, Details: details})
}

// handleCreateCampaign implements POST /api/campaigns.
func (a *API) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}

	var req ingress.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	result, err := a.ingress.CreateCampaign(r.Context(), req)
	if err != nil {
		a.writeCreateCampaignError(w, err)
		return
	}

	writeOK(w, http.StatusCreated, result)
}

func (a *API) writeCreateCampaignError(w http.ResponseWriter, err error) {
	var verr *ingress.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "validation failed", verr.Fields)
	case errors.Is(err, ingress.ErrNoNewDispatches):
		writeError(w, http.StatusBadRequest, "no new dispatches", nil)
	default:
		writeError(w, http.StatusInternalServerError, "failed to create campaign", nil)
	}
}

// handleListCampaigns implements GET /api/campaigns?userId=….
func (a *API) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required", nil)
		return
	}
	campaigns, err := a.store.ListCampaignsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list campaigns", nil)
		return
	}
	writeOK(w, http.StatusOK, campaigns)
}

// handleListCampaignDispatches implements GET /api/campaigns/{id}/dispatches.
func (a *API) handleListCampaignDispatches(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/campaigns/"), "/dispatches")
	if id == "" || id == r.URL.Path {
		writeError(w, http.StatusNotFound, "not found", nil)
		return
	}

	if _, err := a.store.GetCampaign(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load campaign", nil)
		return
	}

	dispatches, err := a.store.ListDispatchesByCampaign(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dispatches", nil)
		return
	}
	writeOK(w, http.StatusOK, dispatches)
}

var scheduledStatuses = []model.DispatchStatus{model.DispatchPending, model.DispatchScheduled, model.DispatchRateLimited}
var sentStatuses = []model.DispatchStatus{model.DispatchSent, model.DispatchFailed}

// handleScheduledDispatches implements GET /api/dispatches/scheduled?userId=….
func (a *API) handleScheduledDispatches(w http.ResponseWriter, r *http.Request) {
	a.listDispatchesByStatus(w, r, scheduledStatuses)
}

// handleSentDispatches implements GET /api/dispatches/sent?userId=….
func (a *API) handleSentDispatches(w http.ResponseWriter, r *http.Request) {
	a.listDispatchesByStatus(w, r, sentStatuses)
}

func (a *API) listDispatchesByStatus(w http.ResponseWriter, r *http.Request, statuses []model.DispatchStatus) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required", nil)
		return
	}
	dispatches, err := a.store.ListDispatchesByUserAndStatus(r.Context(), userID, statuses)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dispatches", nil)
		return
	}
	writeOK(w, http.StatusOK, dispatches)
}

// handleHealth implements GET /health.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}
