package core

import (
	"errors"
	"regexp"

	"github.com/go-playground/validator/v10"

	"hookrelay/internal/types"
)

var serverIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// Validator wraps go-playground/validator with hookrelay's custom tags.
//
// Custom tags:
//   - server_id: letters, digits and _.:- up to 128 characters
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a Validator with the custom tags registered.
func NewValidator() *Validator {
	v := validator.New()
	_ = v.RegisterValidation("server_id", func(fl validator.FieldLevel) bool {
		return serverIDPattern.MatchString(fl.Field().String())
	})
	return &Validator{v: v}
}

// ValidateStruct returns an invalid-parameter AppError listing the failing
// fields, or nil.
func (v *Validator) ValidateStruct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	code := types.ErrCodeValidationInvalidParam
	for _, tag := range fields {
		if tag == "required" {
			code = types.ErrCodeValidationMissingField
			break
		}
	}
	return types.NewAppErrorWithDetails(code, "invalid request parameters", err, map[string]any{"fields": fields})
}
