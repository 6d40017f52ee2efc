package validator

import "github.com/go-playground/validator/v10"

func registerFn(tag string, fn func(fl validator.FieldLevel) bool) func(v *validator.Validate) {
	return func(v *validator.Validate) {
		_ = v.RegisterValidation(tag, fn)
	}
}

// NewReportValidationRules returns the rules for report requests. types
// lists the report types the server accepts.
func NewReportValidationRules(types []string) []ValidationRule {
	return []ValidationRule{
		{
			Rule: registerFn("report_type", reportTypeValidator(types)),
		},
		{
			Rule: registerFn("report_id", reportIDValidator),
		},
		{
			Rule: registerFn("startswith", startsWithValidator),
		},
		{
			Rule: registerFn("startsnotwith", startsNotWithValidator),
		},
	}
}
