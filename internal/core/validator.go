package core

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"notifly/internal/types"
)

// Validator wraps go-playground/validator with the domain-specific rules used
// by request DTOs. Custom tags registered:
//
//   - hhmm: a 24-hour wall-clock time in "HH:MM" form (e.g. "22:00").
//     Empty strings are rejected; pair with omitempty for optional fields.
//
// The built-in "timezone" tag (IANA location names) is used as-is for
// preference updates.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator and registers custom validation tags.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New()

	// Registration only fails for empty tag names, which is a programmer
	// error; surface it loudly at startup.
	if err := v.RegisterValidation("hhmm", validateHHMM); err != nil {
		panic(fmt.Sprintf("registering hhmm validation: %v", err))
	}

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

// validateHHMM accepts wall-clock times in "HH:MM" form with hours 0-23 and
// minutes 0-59.
func validateHHMM(fl validator.FieldLevel) bool {
	s := fl.Field().String()

	var hour, minute int
	if n, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); n != 2 || err != nil {
		return false
	}
	return hour >= 0 && hour <= 23 && minute >= 0 && minute <= 59
}

// ValidateStruct validates a request DTO against its struct tags. On failure
// it returns a *types.AppError with code validation_invalid_payload whose
// Details map each offending field to the rule it violated.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		// A non-struct was passed in; this is a programmer error, not bad input.
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation target must be a struct", err)
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "request validation failed", err)
	}

	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fe.Tag()
	}

	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationInvalidPayload,
		"request validation failed",
		err,
		details,
	)
}
