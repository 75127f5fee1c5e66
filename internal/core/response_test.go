package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"notifly/internal/types"
)

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body APIErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	return body.Error
}

// --- JSON ---

func TestJSON_WritesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	JSON(rec, r, http.StatusOK, APIResponse{Data: map[string]string{"id": "ntf_1"}})

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	data, ok := body.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want object", body.Data)
	}
	if data["id"] != "ntf_1" {
		t.Errorf("data.id = %v, want ntf_1", data["id"])
	}
}

func TestJSON_StatusPassesThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", nil)

	JSON(rec, r, http.StatusCreated, map[string]string{"token": "ut_abc"})

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
}

func TestJSON_WithMeta(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	JSON(rec, r, http.StatusOK, APIResponse{
		Data: []string{"ntf_1"},
		Meta: &types.ResponseMeta{
			Warnings:   []string{"deprecated endpoint"},
			Pagination: &types.PageInfo{HasMore: true, NextCursor: "cur_2"},
		},
	})

	var body struct {
		Meta types.ResponseMeta `json:"meta"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(body.Meta.Warnings) != 1 || body.Meta.Warnings[0] != "deprecated endpoint" {
		t.Errorf("warnings = %v, want the deprecation notice", body.Meta.Warnings)
	}
	if body.Meta.Pagination == nil || !body.Meta.Pagination.HasMore || body.Meta.Pagination.NextCursor != "cur_2" {
		t.Errorf("pagination meta not carried through: %+v", body.Meta.Pagination)
	}
}

func TestJSON_MarshalFailureBecomes500(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req_marshal"))

	// Channels cannot be marshalled.
	JSON(rec, r, http.StatusOK, map[string]any{"ch": make(chan int)})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	detail := decodeErrorBody(t, rec)
	if detail.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("code = %q, want %s", detail.Code, types.ErrCodeInternalUnexpected)
	}
	if detail.RequestID != "req_marshal" {
		t.Errorf("request_id = %q, want req_marshal", detail.RequestID)
	}
}

// --- Error ---

func TestError_AppErrorStatusMapping(t *testing.T) {
	cases := []struct {
		code       types.ErrorCode
		wantStatus int
	}{
		{types.ErrCodeValidationInvalidPayload, http.StatusBadRequest},
		{types.ErrCodeValidationInvalidChannel, http.StatusBadRequest},
		{types.ErrCodeValidationInvalidTime, http.StatusBadRequest},
		{types.ErrCodeValidationMissingField, http.StatusBadRequest},
		{types.ErrCodeNotFoundNotification, http.StatusNotFound},
		{types.ErrCodeNotFoundPreferences, http.StatusNotFound},
		{types.ErrCodeNotFoundToken, http.StatusNotFound},
		{types.ErrCodeConflictTokenUsed, http.StatusConflict},
		{types.ErrCodeTokenExpired, http.StatusGone},
		{types.ErrCodeRateLimit, http.StatusTooManyRequests},
		{types.ErrCodeUpstreamSMS, http.StatusBadGateway},
		{types.ErrCodeUpstreamRateLimited, http.StatusBadGateway},
		{types.ErrCodeInternalDB, http.StatusInternalServerError},
		{types.ErrCodeInternalQueue, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			rec := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)

			Error(rec, r, types.NewAppError(tc.code, "boom", nil))

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			detail := decodeErrorBody(t, rec)
			if detail.Code != string(tc.code) {
				t.Errorf("code = %q, want %q", detail.Code, tc.code)
			}
			if detail.Message != "boom" {
				t.Errorf("message = %q, want the AppError message", detail.Message)
			}
		})
	}
}

func TestError_AppErrorCarriesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/notifications", nil)

	Error(rec, r, types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField, "recipient is required", nil,
		map[string]any{"field": "recipient", "constraint": "required"},
	))

	detail := decodeErrorBody(t, rec)
	if detail.Details["field"] != "recipient" {
		t.Errorf("details.field = %v, want recipient", detail.Details["field"])
	}
	if detail.Details["constraint"] != "required" {
		t.Errorf("details.constraint = %v, want required", detail.Details["constraint"])
	}
}

func TestError_WrappedAppErrorUnwraps(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/notifications/ntf_1", nil)

	inner := types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
	Error(rec, r, fmt.Errorf("loading record: %w", inner))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestError_CauseNeverLeaks(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(rec, r, types.NewAppError(
		types.ErrCodeInternalDB, "database write failed",
		errors.New("pq: password authentication failed")))

	detail := decodeErrorBody(t, rec)
	if strings.Contains(detail.Message, "password") {
		t.Errorf("message %q leaks the wrapped cause", detail.Message)
	}
}

func TestError_GenericErrorNeverLeaks(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(rec, r, errors.New("dial tcp 10.0.0.7:5432: connection refused"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	detail := decodeErrorBody(t, rec)
	if detail.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("code = %q, want %s", detail.Code, types.ErrCodeInternalUnexpected)
	}
	if detail.Message != "an unexpected error occurred" {
		t.Errorf("message = %q, want the generic text", detail.Message)
	}
}

func TestError_IncludesRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req_42"))

	Error(rec, r, types.NewAppError(types.ErrCodeInternalDB, "write failed", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if detail := decodeErrorBody(t, rec); detail.RequestID != "req_42" {
		t.Errorf("request_id = %q, want req_42", detail.RequestID)
	}
}

func TestError_MissingRequestIDIsEmpty(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(rec, r, types.NewAppError(types.ErrCodeInternalDB, "write failed", nil))

	if detail := decodeErrorBody(t, rec); detail.RequestID != "" {
		t.Errorf("request_id = %q, want empty without middleware", detail.RequestID)
	}
}

func TestError_EnvelopeShape(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/notifications", nil)

	Error(rec, r, types.NewAppError(types.ErrCodeValidationInvalidChannel,
		"channel must be one of email, sms, push", nil))

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshalling raw body: %v", err)
	}
	if _, ok := raw["error"]; !ok {
		t.Fatal(`body has no top-level "error" key`)
	}
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(raw["error"], &inner); err != nil {
		t.Fatalf("unmarshalling error object: %v", err)
	}
	for _, key := range []string{"code", "message", "request_id"} {
		if _, ok := inner[key]; !ok {
			t.Errorf("error object missing %q", key)
		}
	}
}

// --- DecodeJSON ---

type decodeTarget struct {
	UserID  string `json:"user_id"`
	Channel string `json:"channel"`
	Limit   int    `json:"limit"`
}

func decodeBody(t *testing.T, body string) error {
	t.Helper()
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	var dst decodeTarget
	return DecodeJSON(rec, r, &dst)
}

func TestDecodeJSON_ValidBody(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"user_id":"user_1","channel":"email","limit":5}`))

	var dst decodeTarget
	if err := DecodeJSON(rec, r, &dst); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if dst.UserID != "user_1" || dst.Channel != "email" || dst.Limit != 5 {
		t.Errorf("decoded %+v, want all fields populated", dst)
	}
}

func TestDecodeJSON_Failures(t *testing.T) {
	cases := []struct {
		name        string
		body        string
		wantMessage string
	}{
		{"unknown field", `{"user_id":"u1","surprise":true}`, "unknown field"},
		{"syntax error", `{"user_id": }`, "malformed JSON"},
		{"empty body", ``, "must not be empty"},
		{"whitespace body", "  \n\t ", "must not be empty"},
		{"type mismatch", `{"limit":"twenty"}`, "invalid value for field"},
		{"two values", `{"user_id":"u1"} {"user_id":"u2"}`, "single JSON object"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := decodeBody(t, tc.body)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !types.HasErrorCode(err, types.ErrCodeValidationInvalidPayload) {
				t.Errorf("error %v, want code %s", err, types.ErrCodeValidationInvalidPayload)
			}
			var appErr *types.AppError
			if errors.As(err, &appErr) && !strings.Contains(appErr.Message, tc.wantMessage) {
				t.Errorf("message = %q, want it to mention %q", appErr.Message, tc.wantMessage)
			}
		})
	}
}

func TestDecodeJSON_TypeMismatchNamesField(t *testing.T) {
	err := decodeBody(t, `{"limit":"twenty"}`)

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("error is %T, want *types.AppError", err)
	}
	if appErr.Details["field"] != "limit" {
		t.Errorf("details.field = %v, want limit", appErr.Details["field"])
	}
	if appErr.Details["expected"] != "int" {
		t.Errorf("details.expected = %v, want int", appErr.Details["expected"])
	}
}

func TestDecodeJSON_OversizedBodyRejected(t *testing.T) {
	big := fmt.Sprintf(`{"user_id":%q}`, strings.Repeat("x", maxRequestBodySize+1))

	err := decodeBody(t, big)
	if err == nil {
		t.Fatal("expected an error for a body over the limit")
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("error is %T, want *types.AppError", err)
	}
	if !strings.Contains(appErr.Message, "1MB") {
		t.Errorf("message = %q, want the size limit named", appErr.Message)
	}
}

func TestDecodeJSON_BodyIsConsumed(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"user_id":"u1"}`))

	var first, second decodeTarget
	if err := DecodeJSON(rec, r, &first); err != nil {
		t.Fatalf("first decode: %v", err)
	}
	if err := DecodeJSON(rec, r, &second); err == nil {
		t.Fatal("second decode succeeded on a consumed body")
	}
}

func TestDecodeJSON_ArrayIntoSlice(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`[{"user_id":"a"},{"user_id":"b"}]`))

	var dst []decodeTarget
	if err := DecodeJSON(rec, r, &dst); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if len(dst) != 2 || dst[1].UserID != "b" {
		t.Errorf("decoded %+v, want both elements", dst)
	}
}

func TestDecodeJSON_NestedPayload(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"template_data":{"order_id":"ord_9","total":42.5}}`))

	var dst struct {
		TemplateData struct {
			OrderID string  `json:"order_id"`
			Total   float64 `json:"total"`
		} `json:"template_data"`
	}
	if err := DecodeJSON(rec, r, &dst); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if dst.TemplateData.OrderID != "ord_9" || dst.TemplateData.Total != 42.5 {
		t.Errorf("template_data = %+v, want nested values intact", dst.TemplateData)
	}
}
