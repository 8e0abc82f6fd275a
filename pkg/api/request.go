package api

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/benchd/benchd/pkg/types"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decode unmarshals a tool request body into dst and runs struct
// validation. Both failure modes surface as VALIDATION errors.
func decode(body json.RawMessage, dst any) error {
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &types.ValidationError{Field: "body", Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if err := validate.Struct(dst); err != nil {
		var invalid validator.ValidationErrors
		if ok := asValidationErrors(err, &invalid); ok && len(invalid) > 0 {
			first := invalid[0]
			return &types.ValidationError{
				Field:  first.Field(),
				Reason: fmt.Sprintf("failed %q constraint", first.Tag()),
			}
		}
		return &types.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	v, ok := err.(validator.ValidationErrors)
	if ok {
		*target = v
	}
	return ok
}
