package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type ErrInvalidRequest struct {
	error
}

func NewErrInvalidRequest(format string, args ...any) *ErrInvalidRequest {
	return &ErrInvalidRequest{fmt.Errorf(format, args...)}
}

// describe turns validator field errors into one readable message.
func describe(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return NewErrInvalidRequest("%s", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := fe.Field()
		if field == "" {
			// Var has no field name
			field = "value"
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "report_type":
			msgs = append(msgs, fmt.Sprintf("unknown report type %q", fe.Value()))
		case "report_id":
			msgs = append(msgs, fmt.Sprintf("%s is not a report id", field))
		case "startswith":
			msgs = append(msgs, fmt.Sprintf("%s must start with %q", field, fe.Param()))
		case "startsnotwith":
			msgs = append(msgs, fmt.Sprintf("%s must not start with %q", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s long", field, fe.Param()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed on %s", field, fe.Tag()))
		}
	}
	return NewErrInvalidRequest("%s", strings.Join(msgs, "; "))
}
