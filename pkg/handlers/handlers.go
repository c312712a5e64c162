package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/constants"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/dispatch"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/legs"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/provider"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/race"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/reconcile"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/store"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/stream"
)

// Dependencies are the components the HTTP surface drives
type Dependencies struct {
	Redis       *redis.Client
	Store       *store.Store
	Dispatcher  *dispatch.Dispatcher
	Legs        *legs.Manager
	Coordinator *race.Coordinator
	Registry    *stream.Registry
	Reconciler  *reconcile.Reconciler
	PodID       string
	StreamURL   string
	IsLeader    func() bool
}

type Handler struct {
	deps   Dependencies
	logger *logrus.Logger
}

func NewHandler(deps Dependencies, logger *logrus.Logger) *Handler {
	return &Handler{
		deps:   deps,
		logger: logger,
	}
}

func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	var request models.StartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, err := h.deps.Dispatcher.StartJob(r.Context(), request)
	if errors.Is(err, dispatch.ErrInvalidLineCount) || errors.Is(err, dispatch.ErrMissingNumber) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to start job")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, legs, err := h.deps.Dispatcher.Job(r.Context(), jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("job_id", jobID).Error("Failed to load job")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":  job,
		"legs": legs,
	})
}

func (h *Handler) StopJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := h.deps.Dispatcher.StopJob(r.Context(), jobID)
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	case errors.Is(err, dispatch.ErrJobFinished):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.logger.WithError(err).WithField("job_id", jobID).Error("Failed to stop job")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) Override(w http.ResponseWriter, r *http.Request) {
	legID := mux.Vars(r)["id"]

	err := h.deps.Coordinator.Override(r.Context(), legID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrLegNotFound), errors.Is(err, store.ErrJobNotFound):
		http.Error(w, "Leg not found", http.StatusNotFound)
		return
	case race.Lost(err):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	default:
		h.logger.WithError(err).WithField("leg_id", legID).Error("Manual override failed to transfer")
		http.Error(w, "Transfer failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"leg_id":  legID,
	})
}

type detectionResponse struct {
	models.DetectionSnapshot
	LegStatus        models.LegStatus `json:"leg_status"`
	StrategyDetected bool             `json:"strategy_detected"`
}

// Detection prefers the live session on this pod and falls back to the last
// persisted snapshot
func (h *Handler) Detection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	legID := mux.Vars(r)["id"]

	leg, err := h.deps.Store.GetLeg(ctx, legID)
	if errors.Is(err, store.ErrLegNotFound) {
		http.Error(w, "Leg not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("leg_id", legID).Error("Failed to load leg")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	snapshot, ok := h.deps.Registry.Snapshot(legID)
	if !ok {
		saved, err := h.deps.Store.GetDetection(ctx, legID)
		if err != nil {
			h.logger.WithError(err).WithField("leg_id", legID).Warn("Failed to load detection snapshot")
		}
		if saved != nil {
			snapshot = *saved
		} else {
			snapshot = models.DetectionSnapshot{LegID: legID}
		}
	}

	result, err := h.deps.Legs.Strategies(ctx, legID)
	if err != nil {
		h.logger.WithError(err).WithField("leg_id", legID).Warn("Failed to evaluate strategies")
	}
	snapshot.StrategiesPassed = result.Passed
	if snapshot.StrategiesPassed == nil {
		snapshot.StrategiesPassed = []string{}
	}
	snapshot.Live = snapshot.Live || leg.Status.IsWinning()

	writeJSON(w, http.StatusOK, detectionResponse{
		DetectionSnapshot: snapshot,
		LegStatus:         leg.Status,
		StrategyDetected:  result.Detected,
	})
}

// StatusWebhook applies a provider call status callback. It always answers
// 200 so the provider never retries into a failing pipeline.
func (h *Handler) StatusWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.logger.WithError(err).Warn("Unreadable status callback")
		w.WriteHeader(http.StatusOK)
		return
	}

	legID := r.FormValue("legId")
	callSID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")

	logger := h.logger.WithFields(logrus.Fields{
		"leg_id":   legID,
		"call_sid": callSID,
		"status":   status,
	})

	if err := h.deps.Legs.HandleStatus(r.Context(), legID, callSID, status); err != nil {
		logger.WithError(err).Warn("Failed to apply status callback")
	} else {
		logger.Debug("Applied status callback")
	}
	w.WriteHeader(http.StatusOK)
}

// VoiceWebhook answers with the instructions that fork the call's audio to the media stream
func (h *Handler) VoiceWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	legID := r.FormValue("legId")
	if legID == "" {
		if callSID := r.FormValue("CallSid"); callSID != "" {
			if id, err := h.deps.Store.LegIDForCall(r.Context(), callSID); err == nil {
				legID = id
			}
		}
	}

	body, err := provider.StreamTwiML(h.deps.StreamURL, legID)
	if err != nil {
		h.logger.WithError(err).WithField("leg_id", legID).Error("Failed to build voice instructions")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(body))
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Reconciler.Run(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Reconciliation failed")
		http.Error(w, "Reconciliation failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.deps.Redis.Ping(ctx).Err(); err != nil {
		http.Error(w, "Health check failed", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"is_leader": h.deps.IsLeader(),
		"timestamp": time.Now(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	scheduled, err := h.deps.Redis.ZCard(r.Context(), constants.ScheduledPlacements).Result()
	if err != nil {
		http.Error(w, "Failed to get status", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pod_id":               h.deps.PodID,
		"is_leader":            h.deps.IsLeader(),
		"active_sessions":      h.deps.Registry.Active(),
		"scheduled_placements": scheduled,
		"timestamp":            time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
