package report

import (
	"sort"
	"text/template"

	"github.com/thoas/go-funk"
)

const (
	TypeNatalChart        = "natal-chart"
	TypeCareerMoney       = "career-money"
	TypeLoveCompatibility = "love-compatibility"
	TypeYearlyForecast    = "yearly-forecast"
	TypeDailyHoroscope    = "daily-horoscope"
)

// Definition describes one sellable report type: its price, the thresholds
// its content must meet and the templates used when generated text is rejected.
type Definition struct {
	Type         string
	Title        string
	Paid         bool
	PriceCents   int64
	MinChars     int
	MinSections  int
	MaxTokens    int
	NeedsPartner bool
	NeedsYear    bool
	AcceptsFocus bool
	Sections     []SectionTemplate
}

type SectionTemplate struct {
	Heading string
	body    *template.Template
}

type Registry struct {
	defs map[string]Definition
}

func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		r.defs[d.Type] = d
	}
	return r
}

func (r *Registry) Lookup(reportType string) (Definition, bool) {
	d, ok := r.defs[reportType]
	return d, ok
}

func (r *Registry) Types() []string {
	types := funk.Keys(r.defs).([]string)
	sort.Strings(types)
	return types
}

var defaultRegistry = NewRegistry(
	Definition{
		Type:        TypeNatalChart,
		Title:       "Natal Chart Reading",
		Paid:        true,
		PriceCents:  2900,
		MinChars:    2400,
		MinSections: 8,
		MaxTokens:   3000,
		Sections:    natalChartSections,
	},
	Definition{
		Type:         TypeCareerMoney,
		Title:        "Career and Money Report",
		Paid:         true,
		PriceCents:   1900,
		MinChars:     1800,
		MinSections:  6,
		MaxTokens:    2400,
		AcceptsFocus: true,
		Sections:     careerMoneySections,
	},
	Definition{
		Type:         TypeLoveCompatibility,
		Title:        "Love Compatibility Report",
		Paid:         true,
		PriceCents:   1900,
		MinChars:     1800,
		MinSections:  6,
		MaxTokens:    2400,
		NeedsPartner: true,
		Sections:     loveCompatibilitySections,
	},
	Definition{
		Type:        TypeYearlyForecast,
		Title:       "Yearly Forecast",
		Paid:        true,
		PriceCents:  2400,
		MinChars:    2400,
		MinSections: 6,
		MaxTokens:   3000,
		NeedsYear:   true,
		Sections:    yearlyForecastSections,
	},
	Definition{
		Type:        TypeDailyHoroscope,
		Title:       "Daily Horoscope",
		MinChars:    300,
		MinSections: 3,
		MaxTokens:   600,
		Sections:    dailyHoroscopeSections,
	},
)

func DefaultRegistry() *Registry {
	return defaultRegistry
}
