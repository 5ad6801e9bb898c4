package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/logger"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
	"github.com/pesio-ai/be-ad-reservations/internal/service"
)

// ActorHeader names the caller. Authentication happens upstream; the engine
// only records who acted.
const ActorHeader = "X-Actor-ID"

const dateLayout = "2006-01-02"

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	engine *service.Engine
	log    *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(engine *service.Engine, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine: engine,
		log:    logger.OrNop(log),
	}
}

// Routes builds the REST router. extra is mounted beside the API, for example
// the metrics endpoint.
func (h *HTTPHandler) Routes(requestTimeout time.Duration, extra map[string]http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(h.log))
	r.Use(middleware.Recoverer)
	if requestTimeout > 0 {
		r.Use(middleware.Timeout(requestTimeout))
	}

	r.Get("/health", h.Health)
	for pattern, handler := range extra {
		r.Handle(pattern, handler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/campaigns", h.RegisterCampaign)
		r.Get("/campaigns/{id}", h.GetCampaign)
		r.Put("/campaigns/{id}/schedule", h.AttachSchedule)
		r.Post("/campaigns/{id}/stage", h.AdvanceStage)
		r.Post("/campaigns/{id}/cancel-hold", h.CancelHold)
		r.Get("/campaigns/{id}/history", h.CampaignHistory)
		r.Get("/campaigns/{id}/reservations", h.ListCampaignReservations)
		r.Get("/campaigns/{id}/talent-approvals", h.ListTalentRequests)

		r.Get("/approvals/{id}", h.GetApproval)
		r.Post("/approvals/{id}/decision", h.DecideApproval)
		r.Post("/talent-approvals/{id}/decision", h.DecideTalentApproval)
		r.Post("/talent-approvals/{id}/resubmit", h.ResubmitTalentApproval)

		r.Get("/reservations/{id}", h.GetReservation)
		r.Get("/reservations/{id}/history", h.ReservationHistory)

		r.Post("/inventory", h.ProvisionInventory)
		r.Get("/inventory/{episodeId}/{placementType}", h.CheckAvailability)
		r.Post("/restrictions", h.AddRestriction)
		r.Post("/sweeps", h.SweepExpired)
	})
	return r
}

// ── Request bodies ───────────────────────────────────────────────────────────

// RegisterCampaignRequest is the body of POST /campaigns.
type RegisterCampaignRequest struct {
	ID           string   `json:"id"`
	AdvertiserID string   `json:"advertiser_id"`
	Categories   []string `json:"categories"`
}

// ScheduleLineRequest is one schedule line.
type ScheduleLineRequest struct {
	ShowID        string `json:"show_id"`
	EpisodeID     string `json:"episode_id"`
	PlacementType string `json:"placement_type"`
	SpotCount     int    `json:"spot_count"`
	UnitPrice     int64  `json:"unit_price"`
	AirDate       string `json:"air_date,omitempty"`
}

// AttachScheduleRequest is the body of PUT /campaigns/{id}/schedule.
type AttachScheduleRequest struct {
	Items []ScheduleLineRequest `json:"items"`
}

// AdvanceStageRequest is the body of POST /campaigns/{id}/stage.
type AdvanceStageRequest struct {
	TargetStage int `json:"target_stage"`
}

// DecisionRequest is the body of approval decisions.
type DecisionRequest struct {
	Action string `json:"action"`
	Notes  string `json:"notes"`
}

// CancelHoldRequest is the body of POST /campaigns/{id}/cancel-hold.
type CancelHoldRequest struct {
	Reason string `json:"reason"`
}

// ProvisionInventoryRequest is the body of POST /inventory.
type ProvisionInventoryRequest struct {
	EpisodeID     string `json:"episode_id"`
	PlacementType string `json:"placement_type"`
	SlotsTotal    int    `json:"slots_total"`
	UnitPrice     int64  `json:"unit_price"`
}

// RestrictionRequest is the body of POST /restrictions.
type RestrictionRequest struct {
	Kind          string  `json:"kind"`
	Level         string  `json:"level"`
	ShowID        *string `json:"show_id,omitempty"`
	EpisodeID     *string `json:"episode_id,omitempty"`
	Category      *string `json:"category,omitempty"`
	AdvertiserID  *string `json:"advertiser_id,omitempty"`
	EffectiveFrom *string `json:"effective_from,omitempty"`
	EffectiveTo   *string `json:"effective_to,omitempty"`
	Reason        *string `json:"reason,omitempty"`
}

// ── Handlers ─────────────────────────────────────────────────────────────────

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RegisterCampaign handles POST /campaigns
func (h *HTTPHandler) RegisterCampaign(w http.ResponseWriter, r *http.Request) {
	var req RegisterCampaignRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.engine.RegisterCampaign(r.Context(), service.RegisterCampaignInput{
		ID:           strings.TrimSpace(req.ID),
		AdvertiserID: strings.TrimSpace(req.AdvertiserID),
		Categories:   req.Categories,
		CreatedBy:    actor(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetCampaign handles GET /campaigns/{id}
func (h *HTTPHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.engine.Campaign(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	schedule, err := h.engine.Schedule(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign": c,
		"schedule": schedule,
	})
}

// AttachSchedule handles PUT /campaigns/{id}/schedule
func (h *HTTPHandler) AttachSchedule(w http.ResponseWriter, r *http.Request) {
	var req AttachScheduleRequest
	if !decode(w, r, &req) {
		return
	}
	items, err := scheduleItems(req.Items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.engine.AttachSchedule(r.Context(), chi.URLParam(r, "id"), items, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// AdvanceStage handles POST /campaigns/{id}/stage
func (h *HTTPHandler) AdvanceStage(w http.ResponseWriter, r *http.Request) {
	var req AdvanceStageRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.engine.AdvanceStage(r.Context(), chi.URLParam(r, "id"), repository.ProbabilityStage(req.TargetStage), actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CancelHold handles POST /campaigns/{id}/cancel-hold
func (h *HTTPHandler) CancelHold(w http.ResponseWriter, r *http.Request) {
	var req CancelHoldRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.engine.CancelHold(r.Context(), chi.URLParam(r, "id"), req.Reason, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CampaignHistory handles GET /campaigns/{id}/history
func (h *HTTPHandler) CampaignHistory(w http.ResponseWriter, r *http.Request) {
	h.history(w, r, repository.HistoryCampaign)
}

// ReservationHistory handles GET /reservations/{id}/history
func (h *HTTPHandler) ReservationHistory(w http.ResponseWriter, r *http.Request) {
	h.history(w, r, repository.HistoryReservation)
}

func (h *HTTPHandler) history(w http.ResponseWriter, r *http.Request, entity repository.HistoryEntity) {
	entries, err := h.engine.History(r.Context(), entity, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

// ListCampaignReservations handles GET /campaigns/{id}/reservations
func (h *HTTPHandler) ListCampaignReservations(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListCampaignReservations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reservations": list})
}

// ListTalentRequests handles GET /campaigns/{id}/talent-approvals
func (h *HTTPHandler) ListTalentRequests(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListTalentRequests(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"talent_approvals": list})
}

// GetApproval handles GET /approvals/{id}
func (h *HTTPHandler) GetApproval(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.Approval(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DecideApproval handles POST /approvals/{id}/decision
func (h *HTTPHandler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := service.ParseDecision(strings.ToLower(strings.TrimSpace(req.Action)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.engine.DecideApproval(r.Context(), chi.URLParam(r, "id"), action, actor(r), req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// DecideTalentApproval handles POST /talent-approvals/{id}/decision
func (h *HTTPHandler) DecideTalentApproval(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := service.ParseDecision(strings.ToLower(strings.TrimSpace(req.Action)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tr, err := h.engine.DecideTalentApproval(r.Context(), chi.URLParam(r, "id"), action, actor(r), req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// ResubmitTalentApproval handles POST /talent-approvals/{id}/resubmit
func (h *HTTPHandler) ResubmitTalentApproval(w http.ResponseWriter, r *http.Request) {
	tr, err := h.engine.ResubmitTalentApproval(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tr)
}

// GetReservation handles GET /reservations/{id}
func (h *HTTPHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.GetReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CheckAvailability handles GET /inventory/{episodeId}/{placementType}
func (h *HTTPHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	placement, err := repository.ParsePlacementType(chi.URLParam(r, "placementType"))
	if err != nil {
		h.writeError(w, r, errors.InvalidInput("placement_type", err.Error()))
		return
	}
	a, err := h.engine.CheckAvailability(r.Context(), chi.URLParam(r, "episodeId"), placement)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ProvisionInventory handles POST /inventory
func (h *HTTPHandler) ProvisionInventory(w http.ResponseWriter, r *http.Request) {
	var req ProvisionInventoryRequest
	if !decode(w, r, &req) {
		return
	}
	placement, err := repository.ParsePlacementType(req.PlacementType)
	if err != nil {
		h.writeError(w, r, errors.InvalidInput("placement_type", err.Error()))
		return
	}
	c, err := h.engine.ProvisionInventory(r.Context(), req.EpisodeID, placement, req.SlotsTotal, req.UnitPrice)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// AddRestriction handles POST /restrictions
func (h *HTTPHandler) AddRestriction(w http.ResponseWriter, r *http.Request) {
	var req RestrictionRequest
	if !decode(w, r, &req) {
		return
	}
	rule := &repository.Restriction{
		Kind:         repository.RestrictionKind(req.Kind),
		Level:        repository.ExclusivityLevel(req.Level),
		ShowID:       req.ShowID,
		EpisodeID:    req.EpisodeID,
		Category:     req.Category,
		AdvertiserID: req.AdvertiserID,
		Reason:       req.Reason,
	}
	var err error
	if rule.EffectiveFrom, err = parseDatePtr("effective_from", req.EffectiveFrom); err != nil {
		h.writeError(w, r, err)
		return
	}
	if rule.EffectiveTo, err = parseDatePtr("effective_to", req.EffectiveTo); err != nil {
		h.writeError(w, r, err)
		return
	}
	created, err := h.engine.AddRestriction(r.Context(), rule)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// SweepExpired handles POST /sweeps
func (h *HTTPHandler) SweepExpired(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.SweepExpired(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	return "anonymous"
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorPayload{
			Code:    string(errors.ErrCodeInvalidInput),
			Message: "Invalid request body",
		}})
		return false
	}
	return true
}

func scheduleItems(lines []ScheduleLineRequest) ([]*repository.ScheduleItem, error) {
	items := make([]*repository.ScheduleItem, 0, len(lines))
	for i, l := range lines {
		placement, err := repository.ParsePlacementType(l.PlacementType)
		if err != nil {
			return nil, errors.InvalidInput("placement_type", err.Error())
		}
		item := &repository.ScheduleItem{
			LineNumber:    i + 1,
			ShowID:        strings.TrimSpace(l.ShowID),
			EpisodeID:     strings.TrimSpace(l.EpisodeID),
			PlacementType: placement,
			SpotCount:     l.SpotCount,
			UnitPrice:     l.UnitPrice,
		}
		if l.AirDate != "" {
			d, err := time.Parse(dateLayout, l.AirDate)
			if err != nil {
				return nil, errors.InvalidInput("air_date", "invalid date format, expected YYYY-MM-DD")
			}
			item.AirDate = d
		}
		items = append(items, item)
	}
	return items, nil
}

func parseDatePtr(field string, s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	d, err := time.Parse(dateLayout, *s)
	if err != nil {
		return nil, errors.InvalidInput(field, "invalid date format, expected YYYY-MM-DD")
	}
	return &d, nil
}

type errorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request failed")
	}
	msg := err.Error()
	if code == errors.ErrCodeInternal {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: errorPayload{
		Code:    string(code),
		Message: msg,
		Details: errors.DetailsOf(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
