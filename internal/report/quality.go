package report

import (
	"fmt"
	"strings"
)

var placeholderMarkers = []string{
	"lorem ipsum",
	"[insert",
	"{{",
	"placeholder",
	"as an ai language model",
	"todo:",
}

// GateResult is the verdict of the quality gate on one document.
type GateResult struct {
	Chars    int
	Sections int
	Reasons  []string
}

func (g GateResult) Passed() bool {
	return len(g.Reasons) == 0
}

func (g GateResult) String() string {
	if g.Passed() {
		return "passed"
	}
	return strings.Join(g.Reasons, "; ")
}

// Check applies the length, structure and placeholder rules of def to doc.
func (def Definition) Check(doc Document) GateResult {
	res := GateResult{Chars: doc.CharCount(), Sections: doc.CountSections()}
	if res.Chars < def.MinChars {
		res.Reasons = append(res.Reasons, fmt.Sprintf("content has %d characters, minimum is %d", res.Chars, def.MinChars))
	}
	if res.Sections < def.MinSections {
		res.Reasons = append(res.Reasons, fmt.Sprintf("content has %d sections, minimum is %d", res.Sections, def.MinSections))
	}
	if marker, ok := findPlaceholder(doc); ok {
		res.Reasons = append(res.Reasons, fmt.Sprintf("content contains placeholder text %q", marker))
	}
	return res
}

func findPlaceholder(doc Document) (string, bool) {
	for _, s := range doc.Sections {
		text := strings.ToLower(s.Heading + "\n" + s.Body)
		for _, marker := range placeholderMarkers {
			if strings.Contains(text, marker) {
				return marker, true
			}
		}
	}
	return "", false
}
