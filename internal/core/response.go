package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"notifly/internal/types"
)

// maxRequestBodySize caps request bodies at 1 MB. Notification payloads are
// small; anything bigger is a client bug or abuse.
const maxRequestBodySize = 1 << 20

// APIResponse is the success envelope: the payload under "data", warnings
// and pagination under "meta".
type APIResponse struct {
	Data any                 `json:"data,omitempty"`
	Meta *types.ResponseMeta `json:"meta,omitempty"`
}

// APIErrorResponse is the error envelope.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-visible error: a stable machine code, a human
// message, optional per-field details, and the request ID for support
// lookups.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// errorEnvelope builds the error envelope for the current request.
func errorEnvelope(r *http.Request, code types.ErrorCode, msg string, details map[string]any) APIErrorResponse {
	return APIErrorResponse{Error: ErrorDetail{
		Code:      string(code),
		Message:   msg,
		Details:   details,
		RequestID: types.GetRequestID(r.Context()),
	}}
}

// JSON writes payload with the given status. A marshal failure downgrades
// the response to a 500 error envelope.
func JSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")

	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(errorEnvelope(r,
			types.ErrCodeInternalUnexpected, "failed to marshal response", nil))
		return
	}

	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error maps err onto the wire. An AppError anywhere in the chain supplies
// the HTTP status and code; anything else becomes a 500 with a generic
// message, never the raw error text.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		JSON(w, r, appErr.HTTPStatus(),
			errorEnvelope(r, appErr.Code, appErr.Message, appErr.Details))
		return
	}

	JSON(w, r, http.StatusInternalServerError,
		errorEnvelope(r, types.ErrCodeInternalUnexpected, "an unexpected error occurred", nil))
}

// DecodeJSON reads the request body into dst: at most 1 MB, unknown fields
// rejected, exactly one JSON value. Every failure comes back as a
// validation AppError with a message safe to show clients.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if dec.More() {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload,
			"request body must contain a single JSON object", nil)
	}
	return nil
}

// decodeError picks the client-safe message for a json.Decoder failure.
func decodeError(err error) *types.AppError {
	var (
		tooLarge  *http.MaxBytesError
		badSyntax *json.SyntaxError
		badType   *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &tooLarge):
		return types.NewAppError(types.ErrCodeValidationInvalidPayload,
			"request body must not exceed 1MB", err)
	case errors.As(err, &badSyntax):
		return types.NewAppError(types.ErrCodeValidationInvalidPayload,
			"malformed JSON in request body", err)
	case errors.As(err, &badType):
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPayload,
			"invalid value for field", err, map[string]any{
				"field":    badType.Field,
				"expected": badType.Type.String(),
			})
	case errors.Is(err, io.EOF):
		return types.NewAppError(types.ErrCodeValidationInvalidPayload,
			"request body must not be empty", err)
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		field := strings.TrimPrefix(err.Error(), "json: unknown field ")
		return types.NewAppError(types.ErrCodeValidationInvalidPayload,
			"unknown field in request body: "+field, err)
	}
	return types.NewAppError(types.ErrCodeValidationInvalidPayload,
		"invalid JSON in request body", err)
}
