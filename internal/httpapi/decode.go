package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/mechlabs/mech-queue/internal/apperrors"
)

var validate = validator.New()

// decodeAndValidate decodes a JSON body into dst and runs struct tag
// validation, returning a VALIDATION_ERROR with a field->message map on
// failure rather than letting a malformed request reach a component.
func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.Validation("malformed request body", map[string]string{"body": err.Error()})
	}
	if err := validate.Struct(dst); err != nil {
		fieldErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return apperrors.Validation("invalid request", nil)
		}
		details := make(map[string]string, len(fieldErrs))
		for _, fe := range fieldErrs {
			details[fe.Field()] = fe.Tag()
		}
		return apperrors.Validation("invalid request", details)
	}
	return nil
}
