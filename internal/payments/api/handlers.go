// Package api exposes the payment flow over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"flowpay/internal/common/api"
	"flowpay/internal/common/middleware"
	"flowpay/internal/common/money"
	"flowpay/internal/guardrail"
	"flowpay/internal/handoff"
	"flowpay/internal/intent"
	"flowpay/internal/payments"
	"flowpay/internal/resolution"
)

// Handler handles payment HTTP requests.
type Handler struct {
	service *payments.Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *payments.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the payment routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/intents", func(r chi.Router) {
		r.Post("/qr", h.CreateFromQR)
		r.Post("/link", h.CreateFromLink)
		r.Post("/contact", h.CreateFromContact)
		r.Post("/manual", h.CreateManual)
		r.Get("/current", h.GetCurrent)
		r.Get("/history", h.GetHistory)
		r.Post("/{id}/resolve", h.Resolve)
		r.Post("/{id}/confirm", h.Confirm)
		r.Post("/{id}/cancel", h.Cancel)
		r.Post("/{id}/complete", h.Complete)
		r.Post("/{id}/fail", h.Fail)
	})

	r.Route("/handoff", func(r chi.Router) {
		r.Post("/", h.InitiateHandoff)
		r.Get("/", h.GetHandoff)
		r.Post("/return", h.HandoffReturn)
		r.Post("/confirm", h.HandoffConfirm)
		r.Post("/cancel", h.HandoffCancel)
	})

	r.Get("/sources", h.ListSources)
	r.Post("/sources", h.LinkSource)
	r.Get("/guardrails", h.GetGuardrails)
	r.Put("/guardrails", h.SetGuardrails)

	return r
}

// IntentResponse pairs an intent with its discriminator so clients can
// pick the right shape.
type IntentResponse struct {
	Kind   intent.Kind   `json:"kind"`
	Intent intent.Intent `json:"intent"`
}

func intentResponse(i intent.Intent) IntentResponse {
	return IntentResponse{Kind: i.Kind(), Intent: i}
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := middleware.GetUserID(r.Context())
	if id == "" {
		api.WriteError(w, http.StatusUnauthorized, api.ErrCodeMissingUser, "X-User-ID header required")
		return "", false
	}
	return id, true
}

// CreateQRRequest is the API request for parsing a scanned QR code.
type CreateQRRequest struct {
	Payload string `json:"payload" validate:"required"`
}

// CreateFromQR handles POST /intents/qr
func (h *Handler) CreateFromQR(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req CreateQRRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	i, err := h.service.CreateFromQR(r.Context(), uid, req.Payload)
	if err != nil {
		h.writeIntentError(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, intentResponse(i))
}

// CreateFromLink handles POST /intents/link
func (h *Handler) CreateFromLink(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req intent.LinkPayload
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	i, err := h.service.CreateFromLink(r.Context(), uid, req)
	if err != nil {
		h.writeIntentError(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, intentResponse(i))
}

// CreateFromContact handles POST /intents/contact
func (h *Handler) CreateFromContact(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req intent.Contact
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	i, err := h.service.CreateFromContact(r.Context(), uid, req)
	if err != nil {
		h.writeIntentError(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, intentResponse(i))
}

// CreateManual handles POST /intents/manual
func (h *Handler) CreateManual(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req payments.ManualRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	i, err := h.service.CreateManual(r.Context(), uid, req)
	if err != nil {
		h.writeIntentError(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, intentResponse(i))
}

// Resolve handles POST /intents/{id}/resolve?mode=preview|commit
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	mode := resolution.Mode(r.URL.Query().Get("mode"))
	switch mode {
	case "":
		mode = resolution.ModePreview
	case resolution.ModePreview, resolution.ModeCommit:
	default:
		api.BadRequest(w, "mode must be preview or commit")
		return
	}

	plan, err := h.service.Resolve(r.Context(), uid, id, mode)
	if err != nil {
		h.writeResolutionError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, plan)
}

// Confirm handles POST /intents/{id}/confirm
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	plan, err := h.service.Confirm(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		h.writeResolutionError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, plan)
}

// Cancel handles POST /intents/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.closeIntent(w, r, h.service.Cancel)
}

// Complete handles POST /intents/{id}/complete
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	h.closeIntent(w, r, h.service.Complete)
}

// Fail handles POST /intents/{id}/fail
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request) {
	h.closeIntent(w, r, h.service.Fail)
}

func (h *Handler) closeIntent(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID, intentID string) (intent.Intent, error)) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	i, err := op(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		h.writeIntentError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, intentResponse(i))
}

// GetCurrent handles GET /intents/current
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	i, err := h.service.Current(r.Context(), uid)
	if err != nil {
		h.writeIntentError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, intentResponse(i))
}

// GetHistory handles GET /intents/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.service.History(r.Context(), uid, limit)
	if err != nil {
		api.InternalError(w, "failed to list history")
		return
	}
	api.WriteData(w, http.StatusOK, records)
}

// HandoffStatusResponse is the handoff read model.
type HandoffStatusResponse struct {
	Handoff   handoff.Context `json:"handoff"`
	ElapsedMS int64           `json:"elapsed_ms"`
}

// InitiateHandoff handles POST /handoff
func (h *Handler) InitiateHandoff(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	out, err := h.service.InitiateHandoff(r.Context(), uid)
	if err != nil {
		h.writeIntentError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, out)
}

// GetHandoff handles GET /handoff
func (h *Handler) GetHandoff(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	hc, elapsed, ok := h.service.HandoffStatus(uid)
	if !ok {
		api.NotFound(w, "no handoff in progress")
		return
	}
	api.WriteData(w, http.StatusOK, HandoffStatusResponse{
		Handoff:   hc,
		ElapsedMS: elapsed.Milliseconds(),
	})
}

// HandoffReturn handles POST /handoff/return
func (h *Handler) HandoffReturn(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	_ = h.service.HandoffReturn(uid)
	api.WriteData(w, http.StatusAccepted, map[string]string{"status": "return recorded"})
}

// HandoffConfirm handles POST /handoff/confirm
func (h *Handler) HandoffConfirm(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	hc, err := h.service.HandoffConfirm(r.Context(), uid)
	if err != nil {
		h.writeHandoffError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, hc)
}

// HandoffCancel handles POST /handoff/cancel
func (h *Handler) HandoffCancel(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	hc, err := h.service.HandoffCancel(r.Context(), uid)
	if err != nil {
		h.writeHandoffError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, hc)
}

// ListSources handles GET /sources
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	sources, err := h.service.ListSources(r.Context(), uid)
	if err != nil {
		api.InternalError(w, "failed to list funding sources")
		return
	}
	api.WriteData(w, http.StatusOK, sources)
}

// LinkSourceRequest is the API request for linking a funding source.
type LinkSourceRequest struct {
	ID           string `json:"id" validate:"required"`
	Type         string `json:"type" validate:"required,oneof=wallet bank card debit_card credit_card bnpl"`
	Name         string `json:"name" validate:"required,max=255"`
	BalanceMinor int64  `json:"balance_minor" validate:"gte=0"`
	Currency     string `json:"currency" validate:"omitempty,len=3"`
	Linked       bool   `json:"is_linked"`
	Available    bool   `json:"is_available"`
	Priority     int    `json:"priority" validate:"gte=0"`
	MaxAutoTopUp *int64 `json:"max_auto_topup_minor,omitempty"`
	ConfirmAbove *int64 `json:"confirm_above_minor,omitempty"`
}

// LinkSource handles POST /sources
func (h *Handler) LinkSource(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req LinkSourceRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	currency := money.Currency(req.Currency)
	now := time.Now().UTC()
	src := resolution.Source{
		ID:        req.ID,
		UserID:    uid,
		Type:      resolution.RailType(req.Type),
		Name:      req.Name,
		Balance:   money.New(req.BalanceMinor, currency),
		Currency:  currency,
		Linked:    req.Linked,
		Available: req.Available,
		Priority:  req.Priority,
		LinkedAt:  &now,
	}
	if req.MaxAutoTopUp != nil {
		m := money.New(*req.MaxAutoTopUp, currency)
		src.MaxAutoTopUp = &m
	}
	if req.ConfirmAbove != nil {
		m := money.New(*req.ConfirmAbove, currency)
		src.ConfirmAbove = &m
	}

	if err := h.service.LinkSource(r.Context(), src); err != nil {
		api.InternalError(w, "failed to save funding source")
		return
	}
	api.WriteData(w, http.StatusCreated, src)
}

// GetGuardrails handles GET /guardrails
func (h *Handler) GetGuardrails(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	currency := money.Currency(r.URL.Query().Get("currency"))
	if currency == "" {
		currency = intent.DefaultCurrency
	}

	cfg, err := h.service.Guardrails(r.Context(), uid, currency)
	if err != nil {
		api.InternalError(w, "failed to load guardrails")
		return
	}
	api.WriteData(w, http.StatusOK, cfg)
}

// SetGuardrailsRequest is the API request for overriding guardrails.
type SetGuardrailsRequest struct {
	MaxAutoTopUpMinor   int64  `json:"max_auto_topup_minor" validate:"gte=0"`
	MaxSingleAutoMinor  int64  `json:"max_single_auto_minor" validate:"gte=0"`
	ConfirmAboveMinor   int64  `json:"confirm_above_minor" validate:"gte=0"`
	DailyAutoLimitMinor int64  `json:"daily_auto_limit_minor" validate:"gte=0"`
	AllowSplitPayments  bool   `json:"allow_split_payments"`
	Currency            string `json:"currency" validate:"required,len=3"`
}

// SetGuardrails handles PUT /guardrails
func (h *Handler) SetGuardrails(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req SetGuardrailsRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	currency := money.Currency(req.Currency)
	cfg := guardrail.Config{
		MaxAutoTopUp:       money.New(req.MaxAutoTopUpMinor, currency),
		MaxSingleAuto:      money.New(req.MaxSingleAutoMinor, currency),
		ConfirmAbove:       money.New(req.ConfirmAboveMinor, currency),
		DailyAutoLimit:     money.New(req.DailyAutoLimitMinor, currency),
		AllowSplitPayments: req.AllowSplitPayments,
	}

	if err := h.service.SetGuardrails(r.Context(), uid, cfg); err != nil {
		api.InternalError(w, "failed to save guardrails")
		return
	}
	api.WriteData(w, http.StatusOK, cfg)
}

func (h *Handler) writeIntentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, intent.ErrUnrecognizedPayload):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeUnrecognizedPayload, "code not recognized")
	case errors.Is(err, intent.ErrCurrentExists):
		api.Conflict(w, "a current intent already exists; close it first")
	case errors.Is(err, intent.ErrNotFound), errors.Is(err, payments.ErrWrongUser):
		api.NotFound(w, "intent not found")
	case errors.Is(err, intent.ErrTerminalState), errors.Is(err, intent.ErrInvalidTransition):
		api.Conflict(w, err.Error())
	case errors.Is(err, payments.ErrNotAuthorized), errors.Is(err, resolution.ErrNoCommittedPlan):
		api.Conflict(w, err.Error())
	default:
		api.InternalError(w, "request failed")
	}
}

func (h *Handler) writeResolutionError(w http.ResponseWriter, err error) {
	var resErr *resolution.Error
	if errors.As(err, &resErr) {
		var details map[string]string
		if len(resErr.ReasonCodes) > 0 {
			codes := make([]string, len(resErr.ReasonCodes))
			for i, rc := range resErr.ReasonCodes {
				codes[i] = string(rc)
			}
			details = map[string]string{"reason_codes": strings.Join(codes, ",")}
		}
		api.WriteErrorWithDetails(w, http.StatusUnprocessableEntity, string(resErr.Code), resErr.Message, details)
		return
	}
	if errors.Is(err, resolution.ErrNoPlan) {
		api.Conflict(w, "no plan awaiting confirmation")
		return
	}
	if errors.Is(err, resolution.ErrNoAmount) {
		api.BadRequest(w, "intent has no amount; set one before resolving")
		return
	}
	h.writeIntentError(w, err)
}

func (h *Handler) writeHandoffError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, handoff.ErrNoHandoff):
		api.NotFound(w, "no handoff in progress")
	case errors.Is(err, handoff.ErrBadState):
		api.Conflict(w, err.Error())
	default:
		api.InternalError(w, "handoff request failed")
	}
}
