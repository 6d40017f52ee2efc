package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidInput = errors.New("invalid input parameters")

type Person struct {
	Name       string   `json:"name" validate:"required,max=120"`
	BirthDate  string   `json:"birthDate" validate:"required,datetime=2006-01-02"`
	BirthTime  string   `json:"birthTime,omitempty" validate:"omitempty,datetime=15:04"`
	BirthPlace string   `json:"birthPlace,omitempty" validate:"max=200"`
	Latitude   *float64 `json:"latitude,omitempty" validate:"omitempty,min=-90,max=90"`
	Longitude  *float64 `json:"longitude,omitempty" validate:"omitempty,min=-180,max=180"`
}

// Input is the typed form of a job's inputParameters.
type Input struct {
	Person  Person  `json:"person"`
	Partner *Person `json:"partner,omitempty"`
	Year    int     `json:"year,omitempty" validate:"omitempty,min=1900,max=2200"`
	Focus   string  `json:"focus,omitempty" validate:"omitempty,oneof=career money balance"`
}

var inputValidator = validator.New()

// DecodeInput strictly decodes raw into an Input and validates it against the
// requirements of def. Every failure wraps ErrInvalidInput.
func DecodeInput(def Definition, raw json.RawMessage) (Input, error) {
	var in Input
	if len(bytes.TrimSpace(raw)) == 0 {
		return in, fmt.Errorf("%w: inputParameters is required", ErrInvalidInput)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&in); err != nil {
		return in, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if decoder.More() {
		return in, fmt.Errorf("%w: trailing data after inputParameters", ErrInvalidInput)
	}

	if err := inputValidator.Struct(in); err != nil {
		return in, fmt.Errorf("%w: %s", ErrInvalidInput, describe(err))
	}
	if err := checkNotFuture(in.Person); err != nil {
		return in, err
	}

	switch {
	case def.NeedsPartner && in.Partner == nil:
		return in, fmt.Errorf("%w: partner is required for %s", ErrInvalidInput, def.Type)
	case !def.NeedsPartner && in.Partner != nil:
		return in, fmt.Errorf("%w: partner is not accepted for %s", ErrInvalidInput, def.Type)
	case def.NeedsYear && in.Year == 0:
		return in, fmt.Errorf("%w: year is required for %s", ErrInvalidInput, def.Type)
	case !def.AcceptsFocus && in.Focus != "":
		return in, fmt.Errorf("%w: focus is not accepted for %s", ErrInvalidInput, def.Type)
	}
	if in.Partner != nil {
		if err := checkNotFuture(*in.Partner); err != nil {
			return in, err
		}
	}
	return in, nil
}

// Canonical returns the stable JSON encoding used for idempotency keys.
func (in Input) Canonical() []byte {
	data, _ := json.Marshal(in)
	return data
}

func checkNotFuture(p Person) error {
	born, err := time.Parse(time.DateOnly, p.BirthDate)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if born.After(time.Now().UTC()) {
		return fmt.Errorf("%w: birthDate %s is in the future", ErrInvalidInput, p.BirthDate)
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Input.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
	}
	return strings.Join(msgs, ", ")
}
