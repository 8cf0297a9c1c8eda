package iban

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Names of the extraction strategies, in the order they are tried.
const (
	StrategyDirect     = "direct"
	StrategyLabelled   = "labelled"
	StrategyPositional = "positional"
)

// DefaultCountry is used when an Extractor is built without a country.
const DefaultCountry = "FR"

// Candidate is the outcome of one extraction over recognized text.
// Valid is only ever true for a non-empty IBAN that passed Validate.
// BIC is left empty by automatic extraction; operators fill it in by hand.
type Candidate struct {
	Source   string `json:"source"`
	IBAN     string `json:"iban,omitempty"`
	BIC      string `json:"bic,omitempty"`
	Valid    bool   `json:"valid"`
	Strategy string `json:"strategy,omitempty"`
}

// Resolved reports whether the candidate carries a validated identifier.
func (c Candidate) Resolved() bool {
	return c.Valid && c.IBAN != ""
}

// Strategy is one named way of finding an identifier in raw text.
type Strategy struct {
	Name string
	Find func(raw string) (string, bool)
}

// componentLayout describes a national account layout (bank, branch,
// account, key) that can be turned back into an IBAN.
type componentLayout struct {
	labels     [4]*regexp.Regexp
	positional *regexp.Regexp
	length     int
}

var (
	// French RIB: 5 digit bank code, 5 digit branch code, 11 digit account, 2 digit key.
	ribLayout = &componentLayout{
		labels: [4]*regexp.Regexp{
			regexp.MustCompile(`(?i)code\s+banque\s*[:\s]*(\d{5})(?:\D|$)`),
			regexp.MustCompile(`(?i)code\s+guichet\s*[:\s]*(\d{5})(?:\D|$)`),
			regexp.MustCompile(`(?i)num[eé]ro\s+de\s+compte\s*[:\s]*(\d{11})(?:\D|$)`),
			regexp.MustCompile(`(?i)cl[eé]\s+rib\s*[:\s]*(\d{2})(?:\D|$)`),
		},
		positional: regexp.MustCompile(`(\d{5})\s*(\d{5})\s*(\d{11})\s*(\d{2})`),
		length:     23,
	}

	layouts = map[string]*componentLayout{
		"FR": ribLayout,
		"MC": ribLayout,
	}

	// countries whose national body may contain letters after the check digits
	alphanumericBodies = map[string]bool{
		"CH": true,
		"FR": true,
		"GB": true,
		"IT": true,
		"MC": true,
		"NL": true,
	}
)

// Extractor locates an IBAN for one country inside noisy recognized text.
// It holds no mutable state and is safe for concurrent use.
type Extractor struct {
	country    string
	length     int
	strategies []Strategy
}

var defaultExtractor = NewExtractor(DefaultCountry)

// Extract runs the default (French) extractor.
func Extract(raw string) Candidate {
	return defaultExtractor.Extract(raw)
}

// NewExtractor builds the strategy chain for country. Countries without a
// known national layout only get the direct strategy.
func NewExtractor(country string) *Extractor {
	country = Normalize(country)
	if country == "" || Length(country) == 0 {
		country = DefaultCountry
	}
	e := &Extractor{country: country, length: Length(country)}

	e.strategies = append(e.strategies, Strategy{Name: StrategyDirect, Find: e.direct(directPattern(country, e.length))})
	if layout, ok := layouts[country]; ok {
		e.strategies = append(e.strategies,
			Strategy{Name: StrategyLabelled, Find: e.labelled(layout)},
			Strategy{Name: StrategyPositional, Find: e.positional(layout)},
		)
	}
	return e
}

// Country returns the country the extractor looks for.
func (e *Extractor) Country() string {
	return e.country
}

// Strategies returns the strategy names in priority order.
func (e *Extractor) Strategies() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.Name
	}
	return names
}

// Extract returns the first validated identifier found, or an unresolved
// candidate that still carries the raw text for manual review.
func (e *Extractor) Extract(raw string) Candidate {
	c := Candidate{Source: raw}
	if strings.TrimSpace(raw) == "" {
		return c
	}
	id, name, ok := firstMatch(foldSpaces(raw), e.strategies)
	if !ok {
		return c
	}
	c.IBAN = id
	c.Strategy = name
	c.Valid = Validate(id)
	return c
}

func firstMatch(raw string, strategies []Strategy) (string, string, bool) {
	for _, s := range strategies {
		if id, ok := s.Find(raw); ok {
			return id, s.Name, true
		}
	}
	return "", "", false
}

// foldSpaces turns every Unicode space (no-break spaces included) into an
// ASCII one so the patterns below only need \s.
func foldSpaces(raw string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		return r
	}, raw)
}

// directPattern is anchored; direct tries it at every occurrence of the
// country code so a truncated identifier cannot swallow the next one.
func directPattern(country string, length int) *regexp.Regexp {
	if alphanumericBodies[country] {
		return regexp.MustCompile(fmt.Sprintf(`^%s(?:\s*\d){2}(?:\s*[0-9A-Z]){%d}`, country, length-4))
	}
	return regexp.MustCompile(fmt.Sprintf(`^%s(?:\s*\d){%d}`, country, length-2))
}

var nonAlphanumeric = regexp.MustCompile(`[^A-Z0-9]`)

func (e *Extractor) direct(pattern *regexp.Regexp) func(string) (string, bool) {
	return func(raw string) (string, bool) {
		text := strings.ToUpper(strings.Join(strings.Fields(raw), " "))
		for i := strings.Index(text, e.country); i >= 0; {
			if match := pattern.FindString(text[i:]); match != "" {
				candidate := nonAlphanumeric.ReplaceAllString(match, "")
				if len(candidate) == e.length && Validate(candidate) {
					return candidate, true
				}
			}
			next := strings.Index(text[i+1:], e.country)
			if next < 0 {
				break
			}
			i += next + 1
		}
		return "", false
	}
}

func (e *Extractor) labelled(layout *componentLayout) func(string) (string, bool) {
	return func(raw string) (string, bool) {
		var parts [4]string
		for i, label := range layout.labels {
			m := label.FindStringSubmatch(raw)
			if m == nil {
				return "", false
			}
			parts[i] = m[1]
		}
		return e.rebuild(layout, parts[:])
	}
}

func (e *Extractor) positional(layout *componentLayout) func(string) (string, bool) {
	return func(raw string) (string, bool) {
		for _, m := range layout.positional.FindAllStringSubmatch(raw, -1) {
			if id, ok := e.rebuild(layout, m[1:5]); ok {
				return id, true
			}
		}
		return "", false
	}
}

func (e *Extractor) rebuild(layout *componentLayout, parts []string) (string, bool) {
	body := strings.Join(parts, "")
	if len(body) != layout.length {
		return "", false
	}
	id, ok := ComputeCheckDigits(e.country, body)
	if !ok || !Validate(id) {
		return "", false
	}
	return id, true
}
