package handlers

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"notifly/internal/prefs"
	"notifly/internal/types"
)

// TokenRedeemer is the redemption surface the unsubscribe page needs.
// Implemented by prefs.Service.
type TokenRedeemer interface {
	Redeem(ctx context.Context, plaintext string) (*prefs.RedeemResult, error)
}

// unsubscribePage is the template payload for every unsubscribe outcome.
type unsubscribePage struct {
	Title   string
	Heading string
	Message string
}

// The unsubscribe flow renders human-facing HTML, not the JSON envelope:
// the link lands in an email client, not an API consumer.
var unsubscribeTemplate = template.Must(template.New("unsubscribe").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; background: #f5f6f8; margin: 0; }
main { max-width: 28rem; margin: 10vh auto; background: #fff; border-radius: 8px; padding: 2rem; box-shadow: 0 1px 4px rgba(0,0,0,.08); }
h1 { font-size: 1.25rem; margin-top: 0; }
p { color: #444; line-height: 1.5; }
</style>
</head>
<body>
<main>
<h1>{{.Heading}}</h1>
<p>{{.Message}}</p>
</main>
</body>
</html>
`))

// UnsubscribeHandler serves the public one-click unsubscribe link embedded
// in outbound email footers. No authentication: the token is the credential.
type UnsubscribeHandler struct {
	redeemer TokenRedeemer
	logger   *slog.Logger
}

// NewUnsubscribeHandler creates an UnsubscribeHandler.
func NewUnsubscribeHandler(redeemer TokenRedeemer, l *slog.Logger) *UnsubscribeHandler {
	if l == nil {
		l = slog.Default()
	}
	return &UnsubscribeHandler{redeemer: redeemer, logger: l}
}

// RegisterRoutes mounts the unsubscribe route on the provided chi.Router.
func (h *UnsubscribeHandler) RegisterRoutes(r chi.Router) {
	r.Get("/unsubscribe/{token}", h.Unsubscribe)
}

// Unsubscribe handles GET /v1/unsubscribe/{token}.
//
// Outcomes map to pages rather than API errors: a recipient clicking a link
// in an old email gets a sentence they can act on, not a JSON blob. A token
// that was already used renders the confirmation page again, so double
// clicks and email client prefetches look identical to the first click.
func (h *UnsubscribeHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	result, err := h.redeemer.Redeem(r.Context(), token)
	if err != nil {
		switch {
		case types.HasErrorCode(err, types.ErrCodeTokenExpired):
			h.render(w, http.StatusGone, unsubscribePage{
				Title:   "Link expired",
				Heading: "This link has expired",
				Message: "Unsubscribe links are valid for one year. Please use the link from a more recent email, or update your notification settings in your account.",
			})
		case types.HasErrorCode(err, types.ErrCodeNotFoundToken):
			h.render(w, http.StatusNotFound, unsubscribePage{
				Title:   "Invalid link",
				Heading: "This link is not valid",
				Message: "The unsubscribe link could not be verified. Please use the link exactly as it appears in your email.",
			})
		default:
			h.logger.ErrorContext(r.Context(), "unsubscribe redemption failed", "error", err)
			h.render(w, http.StatusInternalServerError, unsubscribePage{
				Title:   "Something went wrong",
				Heading: "Something went wrong",
				Message: "We could not process your request right now. Please try the link again in a few minutes.",
			})
		}
		return
	}

	if result.AlreadyUsed {
		h.render(w, http.StatusOK, unsubscribePage{
			Title:   "Already unsubscribed",
			Heading: "You are already unsubscribed",
			Message: "This link was used before and your preferences are unchanged. You will not receive these notifications.",
		})
		return
	}

	h.render(w, http.StatusOK, unsubscribePage{
		Title:   "Unsubscribed",
		Heading: "You have been unsubscribed",
		Message: unsubscribeConfirmation(result.Scope),
	})
}

func (h *UnsubscribeHandler) render(w http.ResponseWriter, status int, page unsubscribePage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := unsubscribeTemplate.Execute(w, page); err != nil {
		h.logger.Error("rendering unsubscribe page failed", "error", err)
	}
}

func unsubscribeConfirmation(scope types.UnsubscribeScope) string {
	switch scope {
	case types.ScopeEmail:
		return "You will no longer receive email notifications. You can re-enable them at any time in your notification settings."
	case types.ScopeSMS:
		return "You will no longer receive SMS notifications. You can re-enable them at any time in your notification settings."
	case types.ScopeAll:
		return "You will no longer receive notifications on any channel. You can re-enable them at any time in your notification settings."
	}
	return "Your notification preferences have been updated."
}
