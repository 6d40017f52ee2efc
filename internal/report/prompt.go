package report

import (
	"fmt"
	"strings"

	"github.com/natalcast/report-pipeline/internal/generation"
)

const systemPrompt = "You are an experienced astrologer writing personalised reports. " +
	"Write in warm, concrete second-person prose. Use a markdown level-two heading for every section " +
	"and never leave placeholder text."

// BuildRequest renders the generation request for def and in. The section list
// is part of the prompt so the answer can be checked against it.
func BuildRequest(def Definition, in Input) generation.Request {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a %s for %s, born %s", strings.ToLower(def.Title), in.Person.Name, in.Person.BirthDate)
	if in.Person.BirthTime != "" {
		fmt.Fprintf(&b, " at %s", in.Person.BirthTime)
	}
	if in.Person.BirthPlace != "" {
		fmt.Fprintf(&b, " in %s", in.Person.BirthPlace)
	}
	if in.Person.Latitude != nil && in.Person.Longitude != nil {
		fmt.Fprintf(&b, " (%.4f, %.4f)", *in.Person.Latitude, *in.Person.Longitude)
	}
	fmt.Fprintf(&b, ". Sun sign: %s.\n", SunSign(in.Person.BirthDate))

	if in.Partner != nil {
		fmt.Fprintf(&b, "Partner: %s, born %s, sun sign %s.\n", in.Partner.Name, in.Partner.BirthDate, SunSign(in.Partner.BirthDate))
	}
	if in.Year != 0 {
		fmt.Fprintf(&b, "Forecast year: %d.\n", in.Year)
	}
	if in.Focus != "" {
		fmt.Fprintf(&b, "Give extra weight to %s.\n", in.Focus)
	}

	fmt.Fprintf(&b, "Write at least %d characters across these sections, in this order:\n", def.MinChars)
	for _, s := range def.Sections {
		fmt.Fprintf(&b, "SECTION: %s\n", s.Heading)
	}

	return generation.Request{
		ReportType:   def.Type,
		SystemPrompt: systemPrompt,
		Prompt:       b.String(),
		MaxTokens:    def.MaxTokens,
	}
}
