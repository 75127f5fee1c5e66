// Package handlers implements the v1 HTTP API: preference management,
// notification submission and history, delivery statistics, provider
// status webhooks, and the public unsubscribe flow.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"notifly/internal/core"
	"notifly/internal/types"
)

// PreferenceService is the preference surface the handler needs. Implemented
// by prefs.Service.
type PreferenceService interface {
	// Resolve returns the user's effective preferences, falling back to
	// defaults when no row exists.
	Resolve(ctx context.Context, userID string) (*types.UserPreferences, error)

	// Update upserts the preference row and invalidates the cache.
	Update(ctx context.Context, prefs *types.UserPreferences) error

	// IssueToken mints a single-use unsubscribe token. The plaintext is
	// returned exactly once. With immediate set, the scope is applied and
	// the token consumed at issuance.
	IssueToken(ctx context.Context, userID string, scope types.UnsubscribeScope, immediate bool) (string, *types.UnsubscribeToken, error)
}

// UpdatePreferencesRequest is a partial update: only the fields present in
// the request body are applied, everything else keeps its current value.
type UpdatePreferencesRequest struct {
	EmailEnabled *bool `json:"email_enabled"`
	SMSEnabled   *bool `json:"sms_enabled"`
	PushEnabled  *bool `json:"push_enabled"`

	Categories map[string]bool `json:"categories"`

	EmailFrequency *string `json:"email_frequency" validate:"omitempty,oneof=immediate daily weekly never"`

	QuietHoursStart *string `json:"quiet_hours_start" validate:"omitempty,hhmm"`
	QuietHoursEnd   *string `json:"quiet_hours_end" validate:"omitempty,hhmm"`
	Timezone        *string `json:"timezone" validate:"omitempty,max=64"`
}

// IssueUnsubscribeTokenRequest selects which channels the token disables.
// Immediate applies the unsubscribe right away instead of waiting for the
// link to be visited.
type IssueUnsubscribeTokenRequest struct {
	Scope     string `json:"scope" validate:"required,oneof=email sms all"`
	Immediate bool   `json:"immediate"`
}

// UnsubscribeTokenResponse carries the freshly minted token. The token field
// is the only place the plaintext ever appears.
type UnsubscribeTokenResponse struct {
	Token     string    `json:"token"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PreferencesHandler serves the /v1/users/{userID}/preferences routes.
type PreferencesHandler struct {
	svc       PreferenceService
	validator *core.Validator
	logger    *slog.Logger
}

// NewPreferencesHandler creates a PreferencesHandler.
func NewPreferencesHandler(svc PreferenceService, v *core.Validator, l *slog.Logger) *PreferencesHandler {
	if l == nil {
		l = slog.Default()
	}
	return &PreferencesHandler{svc: svc, validator: v, logger: l}
}

// RegisterRoutes mounts the preference routes on the provided chi.Router.
func (h *PreferencesHandler) RegisterRoutes(r chi.Router) {
	r.Route("/users/{userID}/preferences", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Update)
		r.Post("/unsubscribe-token", h.IssueToken)
	})
}

// Get handles GET /v1/users/{userID}/preferences. A user with no stored row
// gets the defaults; the row is not materialized by a read.
func (h *PreferencesHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil))
		return
	}

	prefs, err := h.svc.Resolve(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: prefs})
}

// Update handles PUT /v1/users/{userID}/preferences.
//
// The request is a patch: absent fields keep their current (or default)
// values, so a client toggling one category does not have to echo the rest
// of the row back.
func (h *PreferencesHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil))
		return
	}

	var req UpdatePreferencesRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := validatePreferencePatch(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	current, err := h.svc.Resolve(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	updated := current.Clone()
	applyPreferencePatch(updated, &req)

	if err := h.svc.Update(r.Context(), updated); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "preferences updated", "user_id", userID)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: updated})
}

// IssueToken handles POST /v1/users/{userID}/preferences/unsubscribe-token.
// The plaintext token appears in this response and nowhere else; only its
// bcrypt hash is persisted.
func (h *PreferencesHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil))
		return
	}

	var req IssueUnsubscribeTokenRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	plaintext, token, err := h.svc.IssueToken(r.Context(), userID, types.UnsubscribeScope(req.Scope), req.Immediate)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: UnsubscribeTokenResponse{
		Token:     plaintext,
		Scope:     string(token.Scope),
		ExpiresAt: token.ExpiresAt,
	}})
}

// validatePreferencePatch checks the fields the validator tags cannot
// express: category names must be known and the timezone must resolve.
func validatePreferencePatch(req *UpdatePreferencesRequest) error {
	for name := range req.Categories {
		if !types.Category(name).Known() {
			return types.NewAppError(types.ErrCodeValidationInvalidCategory,
				"unknown notification category: "+name, nil)
		}
	}
	if req.Timezone != nil && *req.Timezone != "" {
		if _, err := time.LoadLocation(*req.Timezone); err != nil {
			return types.NewAppError(types.ErrCodeValidationInvalidTimezone,
				"unknown timezone: "+*req.Timezone, nil)
		}
	}
	return nil
}

// applyPreferencePatch copies the present fields of the patch onto prefs.
func applyPreferencePatch(prefs *types.UserPreferences, req *UpdatePreferencesRequest) {
	if req.EmailEnabled != nil {
		prefs.EmailEnabled = *req.EmailEnabled
	}
	if req.SMSEnabled != nil {
		prefs.SMSEnabled = *req.SMSEnabled
	}
	if req.PushEnabled != nil {
		prefs.PushEnabled = *req.PushEnabled
	}
	for name, enabled := range req.Categories {
		if prefs.Categories == nil {
			prefs.Categories = types.CategorySettings{}
		}
		prefs.Categories[types.Category(name).Normalize()] = enabled
	}
	if req.EmailFrequency != nil {
		prefs.EmailFrequency = types.EmailFrequency(*req.EmailFrequency)
	}
	if req.QuietHoursStart != nil {
		prefs.QuietHoursStart = *req.QuietHoursStart
	}
	if req.QuietHoursEnd != nil {
		prefs.QuietHoursEnd = *req.QuietHoursEnd
	}
	if req.Timezone != nil {
		prefs.Timezone = *req.Timezone
	}
}
