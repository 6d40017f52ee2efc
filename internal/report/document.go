package report

import (
	"bufio"
	"strings"
	"unicode/utf8"
)

type Source string

const (
	SourceGenerated Source = "generated"
	SourceFallback  Source = "fallback"
)

type Section struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// Document is the stored and returned shape of a finished report.
type Document struct {
	Title      string    `json:"title"`
	ReportType string    `json:"reportType"`
	Source     Source    `json:"source"`
	Sections   []Section `json:"sections"`
}

// ParseDocument splits markdown text on ATX headings. Text found before the
// first heading is kept as an untitled section.
func ParseDocument(reportType, title, text string) Document {
	doc := Document{Title: title, ReportType: reportType, Source: SourceGenerated}

	var current *Section
	var body strings.Builder
	flush := func() {
		if current == nil {
			return
		}
		current.Body = strings.TrimSpace(body.String())
		if current.Heading != "" || current.Body != "" {
			doc.Sections = append(doc.Sections, *current)
		}
		body.Reset()
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if heading, ok := parseHeading(line); ok {
			flush()
			current = &Section{Heading: heading}
			continue
		}
		if current == nil {
			current = &Section{}
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return doc
}

func parseHeading(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return "", false
	}
	level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
	if level > 6 || len(trimmed) == level || trimmed[level] != ' ' {
		return "", false
	}
	return strings.TrimSpace(trimmed[level:]), true
}

// CountSections counts sections that carry both a heading and a body.
func (d Document) CountSections() int {
	n := 0
	for _, s := range d.Sections {
		if s.Heading != "" && s.Body != "" {
			n++
		}
	}
	return n
}

func (d Document) CharCount() int {
	n := 0
	for _, s := range d.Sections {
		n += utf8.RuneCountInString(s.Heading) + utf8.RuneCountInString(s.Body)
	}
	return n
}

func (d Document) Markdown() string {
	var b strings.Builder
	if d.Title != "" {
		b.WriteString("# " + d.Title + "\n\n")
	}
	for _, s := range d.Sections {
		if s.Heading != "" {
			b.WriteString("## " + s.Heading + "\n\n")
		}
		if s.Body != "" {
			b.WriteString(s.Body + "\n\n")
		}
	}
	return strings.TrimSpace(b.String())
}
