package core

import (
	"errors"
	"testing"

	"hookrelay/internal/types"
)

type serverParams struct {
	ServerID      string `validate:"required,server_id"`
	WithChangeset string `validate:"omitempty,oneof=true false"`
}

func TestValidateStruct(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name     string
		in       serverParams
		wantCode types.ErrorCode
	}{
		{name: "valid", in: serverParams{ServerID: "hr-0123abcd", WithChangeset: "true"}},
		{name: "legacy guid", in: serverParams{ServerID: "3F2504E0-4F89-11D3-9A0C-0305E82C3301"}},
		{name: "missing", in: serverParams{}, wantCode: types.ErrCodeValidationMissingField},
		{name: "bad characters", in: serverParams{ServerID: "a/b"}, wantCode: types.ErrCodeValidationInvalidParam},
		{name: "bad bool", in: serverParams{ServerID: "x", WithChangeset: "yes"}, wantCode: types.ErrCodeValidationInvalidParam},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateStruct(tt.in)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected AppError, got %v", err)
			}
			if appErr.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, appErr.Code)
			}
			if _, ok := appErr.Details["fields"]; !ok {
				t.Error("expected failing fields in details")
			}
		})
	}
}
