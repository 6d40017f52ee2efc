package report

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"
)

var ErrFallbackIncomplete = errors.New("fallback content does not meet the structural minimum")

type templateData struct {
	Input
	Title       string
	Sign        string
	PartnerSign string
	LifePath    int
	FocusLabel  string
}

// Fallback renders the deterministic template content of def for in. It needs
// no external call and yields the same document for the same input.
func Fallback(def Definition, in Input) (Document, error) {
	data := templateData{
		Input:      in,
		Title:      def.Title,
		Sign:       SunSign(in.Person.BirthDate),
		LifePath:   LifePathNumber(in.Person.BirthDate),
		FocusLabel: "balance",
	}
	if in.Partner != nil {
		data.PartnerSign = SunSign(in.Partner.BirthDate)
	}
	if in.Focus != "" {
		data.FocusLabel = in.Focus
	}

	doc := Document{Title: def.Title, ReportType: def.Type, Source: SourceFallback}
	for _, s := range def.Sections {
		var buf bytes.Buffer
		if err := s.body.Execute(&buf, data); err != nil {
			return Document{}, fmt.Errorf("rendering fallback section %q: %w", s.Heading, err)
		}
		doc.Sections = append(doc.Sections, Section{Heading: s.Heading, Body: strings.TrimSpace(buf.String())})
	}

	if n := doc.CountSections(); n < def.MinSections {
		return Document{}, fmt.Errorf("%w: %s has %d of %d sections", ErrFallbackIncomplete, def.Type, n, def.MinSections)
	}
	if marker, ok := findPlaceholder(doc); ok {
		return Document{}, fmt.Errorf("%w: %s contains %q", ErrFallbackIncomplete, def.Type, marker)
	}
	return doc, nil
}

var signs = []struct {
	name       string
	month, day int
}{
	{"Capricorn", 1, 19}, {"Aquarius", 2, 18}, {"Pisces", 3, 20}, {"Aries", 4, 19},
	{"Taurus", 5, 20}, {"Gemini", 6, 20}, {"Cancer", 7, 22}, {"Leo", 8, 22},
	{"Virgo", 9, 22}, {"Libra", 10, 22}, {"Scorpio", 11, 21}, {"Sagittarius", 12, 21},
}

// SunSign returns the tropical sun sign for a YYYY-MM-DD birth date.
func SunSign(birthDate string) string {
	t, err := time.Parse(time.DateOnly, birthDate)
	if err != nil {
		return "Unknown"
	}
	month, day := int(t.Month()), t.Day()
	for _, s := range signs {
		if month == s.month && day <= s.day {
			return s.name
		}
	}
	// past the cusp of month m: the sign that starts in m
	return signs[month%12].name
}

// LifePathNumber reduces the digits of a birth date to a single digit,
// keeping the master numbers 11 and 22.
func LifePathNumber(birthDate string) int {
	sum := 0
	for _, r := range birthDate {
		if r >= '0' && r <= '9' {
			sum += int(r - '0')
		}
	}
	for sum > 9 && sum != 11 && sum != 22 {
		next := 0
		for sum > 0 {
			next += sum % 10
			sum /= 10
		}
		sum = next
	}
	return sum
}

func section(heading, body string) SectionTemplate {
	return SectionTemplate{
		Heading: heading,
		body:    template.Must(template.New(heading).Option("missingkey=error").Parse(body)),
	}
}

var (
	sunSection = section("Your Sun Sign",
		`{{.Person.Name}}, your sun falls in {{.Sign}}. The sun describes the core of who you are and the way you recharge. `+
			`{{.Sign}} energy asks you to build a life that reflects your values rather than the expectations of others, `+
			`and the years ahead reward you when you lean into that instinct.`)

	lifePathSection = section("Life Path",
		`Born on {{.Person.BirthDate}}, you carry life path number {{.LifePath}}. `+
			`This number points to the lessons that repeat until they are learned. Notice the situations that keep `+
			`returning and treat them as invitations to grow rather than as obstacles.`)

	guidanceSection = section("Guidance",
		`Keep a short journal of the moments that give you energy and the moments that drain it. `+
			`Over a few weeks the pattern becomes clear, and that pattern is a more reliable guide than any single prediction.`)
)

var natalChartSections = []SectionTemplate{
	sunSection,
	section("Rising Sign and First Impressions",
		`{{if .Person.BirthTime}}With a birth time of {{.Person.BirthTime}}, your rising sign colours the first impression you make. `+
			`{{else}}Without a birth time the rising sign stays open, so this reading leans on your sun and life path. `+
			`{{end}}Others often see a calm surface before they discover the depth underneath.`),
	section("Emotional Nature",
		`Your emotional world runs deeper than you usually show. {{.Sign}} placements tend to process feelings privately first, `+
			`then share them once they make sense. Give yourself that time without apology.`),
	section("Mind and Communication",
		`You think best when you can move between ideas freely. Conversations with people who challenge you sharpen your judgement, `+
			`and writing things down turns vague intuitions into plans you can act on.`),
	section("Love and Relationships",
		`In relationships you value loyalty and honest conversation. The partners who suit you best respect your independence `+
			`while offering steady warmth, and they notice the small gestures you make.`),
	section("Work and Vocation",
		`Your chart favours work with visible progress. Roles where you can master a craft and see the results of your effort `+
			`keep you engaged far longer than roles built on routine alone.`),
	lifePathSection,
	section("Growth and Challenges",
		`Your main challenge is trusting your own timing. You often know the right move before you allow yourself to make it. `+
			`Practise acting on smaller decisions quickly so that larger ones feel less heavy.`),
	guidanceSection,
}

var careerMoneySections = []SectionTemplate{
	sunSection,
	section("Career Strengths",
		`{{.Sign}} gives you persistence and a practical imagination. You notice what is missing in a process and you are willing `+
			`to do the unglamorous work that fixes it. Employers and clients remember that reliability.`),
	section("Ideal Work Environment",
		`You do your best work where expectations are clear and autonomy is real. Teams that share information openly let you `+
			`plan ahead, which is when your contribution is strongest.`),
	section("Money Patterns",
		`Your relationship with money mirrors your relationship with security. With a focus on {{.FocusLabel}}, the priority is `+
			`a simple system: automatic savings first, then spending that reflects what you actually value.`),
	section("Opportunities Ahead",
		`Watch for opportunities that combine learning with earning. A course, a side project or a stretch assignment started `+
			`now is likely to pay off more than a quick raise would.`),
	lifePathSection,
	section("Practical Steps",
		`Review your income and spending once a month, update your skills list every quarter and ask for feedback twice a year. `+
			`Small regular reviews keep your career and your finances moving in the same direction.`),
}

var loveCompatibilitySections = []SectionTemplate{
	sunSection,
	section("Your Partner's Sun Sign",
		`{{with .Partner}}{{.Name}}{{end}} has the sun in {{.PartnerSign}}. That placement shapes how they show care, `+
			`how they handle conflict and what they need in order to feel safe with you.`),
	section("Where You Connect",
		`{{.Sign}} and {{.PartnerSign}} meet on a shared wish for a relationship that feels like a home base. `+
			`Rituals you build together, however small, become the glue that holds you through busy seasons.`),
	section("Where You Differ",
		`Your differences show up in pace. One of you wants to talk things through straight away while the other needs time. `+
			`Agreeing on how to pause a hard conversation and when to return to it prevents most misunderstandings.`),
	section("Communication",
		`Say what you need plainly and ask what your partner needs in return. Assumptions are the main risk for this pairing, `+
			`and direct questions remove them quickly.`),
	section("Building Together",
		`Shared goals strengthen this bond. Plan one thing each season that belongs to both of you, whether it is a trip, `+
			`a project at home or a habit you keep together.`),
	guidanceSection,
}

var yearlyForecastSections = []SectionTemplate{
	section("The Year at a Glance",
		`{{.Year}} is a year of consolidation for {{.Person.Name}}. With the sun in {{.Sign}}, you are asked to finish what `+
			`you started and to clear space for the next chapter.`),
	section("First Quarter",
		`The opening months of {{.Year}} favour planning. Set two or three clear intentions and keep them visible. `+
			`Early progress is quiet but lays the foundation for the rest of the year.`),
	section("Second Quarter",
		`Spring brings more contact with other people. Collaboration opens doors that effort alone would not, `+
			`so say yes to introductions and invitations that fit your intentions.`),
	section("Third Quarter",
		`Midyear is a time to review. Some plans will have moved faster than expected and some slower. `+
			`Adjust without judging yourself and put your energy where momentum already exists.`),
	section("Fourth Quarter",
		`The closing months reward completion. Tie up loose ends, celebrate what went well and rest before {{.Year}} turns over.`),
	lifePathSection,
	guidanceSection,
}

var dailyHoroscopeSections = []SectionTemplate{
	section("Today's Theme",
		`For {{.Sign}}, today is about steady attention. One focused hour on the task you keep postponing will lift the rest of the day.`),
	section("Relationships",
		`A short, honest message to someone you care about lands better than you expect. Keep it simple and sincere.`),
	section("Tip of the Day",
		`Step outside for a few minutes before your busiest stretch. A clear head makes the next decision easier.`),
}
