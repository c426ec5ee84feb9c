package router

import (
	"regexp"
	"strings"
)

// Complexity buckets a prompt by length and sentence density.
type Complexity int

const (
	ComplexityLow Complexity = iota
	ComplexityMedium
	ComplexityHigh
)

// String returns a human-readable complexity name.
func (c Complexity) String() string {
	switch c {
	case ComplexityMedium:
		return "medium"
	case ComplexityHigh:
		return "high"
	default:
		return "low"
	}
}

// Analysis is the result of classifying a prompt's last user message.
type Analysis struct {
	ContainsCode    bool
	CodeLanguages   []string
	ContainsMath    bool
	IsCreative      bool
	PrimaryLanguage string
	Complexity      Complexity
}

// Flagged reports whether the analysis warrants content-based routing.
func (a Analysis) Flagged() bool {
	return a.ContainsCode || a.ContainsMath || a.IsCreative
}

// Category returns the specialty bucket for content-based routing, or "".
// Code beats math beats creative when several flags are set.
func (a Analysis) Category() string {
	switch {
	case a.ContainsCode:
		return "code"
	case a.ContainsMath:
		return "math"
	case a.IsCreative:
		return "creative"
	default:
		return ""
	}
}

var (
	codeKeywords = []string{"def ", "function ", "class ", "import ", "public ", "if (", "for ("}

	// let/const/var must match on token boundaries to avoid words like "convert".
	jsTokenPattern = regexp.MustCompile(`\b(let|const|var)\s`)

	mathMarkers = []string{`\frac`, `\sum`, `\int`, `\lim`, `\mathbb`, `\sqrt`}

	// $...$ spans containing superscripts or subscripts.
	inlineMathPattern = regexp.MustCompile(`\$[^$]*[\^_][^$]*\$`)

	creativeMarkers = []string{"write a story", "write a poem", "creative writing", "fictional", "narrative"}

	languageWords = map[string][]string{
		"english": {"the", "and", "for"},
		"spanish": {"el", "la", "que"},
		"french":  {"le", "la", "est"},
		"german":  {"der", "die", "und"},
	}
)

// Classify analyzes a prompt text. It is a pure function: identical input
// always yields identical output.
func Classify(text string) Analysis {
	lower := strings.ToLower(text)

	a := Analysis{
		ContainsCode:    containsCode(text),
		ContainsMath:    containsMath(lower),
		IsCreative:      isCreative(lower),
		PrimaryLanguage: primaryLanguage(lower),
		Complexity:      complexity(text),
	}
	if a.ContainsCode {
		a.CodeLanguages = codeLanguages(text)
	}
	return a
}

func containsCode(text string) bool {
	if strings.Contains(text, "```") {
		return true
	}
	for _, kw := range codeKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return jsTokenPattern.MatchString(text)
}

// codeLanguages infers languages from co-occurring signatures.
func codeLanguages(text string) []string {
	var langs []string
	if strings.Contains(text, "def ") && strings.Contains(text, "print(") {
		langs = append(langs, "python")
	}
	if strings.Contains(text, "func ") && strings.Contains(text, "package ") {
		langs = append(langs, "go")
	}
	if strings.Contains(text, "fn ") && strings.Contains(text, "impl ") {
		langs = append(langs, "rust")
	}
	if jsTokenPattern.MatchString(text) || strings.Contains(text, "function ") {
		langs = append(langs, "javascript")
	}
	return langs
}

func containsMath(lower string) bool {
	for _, m := range mathMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	if strings.Contains(lower, "calcul") || strings.Contains(lower, "equation") {
		return true
	}
	return inlineMathPattern.MatchString(lower)
}

func isCreative(lower string) bool {
	for _, m := range creativeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return strings.Contains(lower, "write") && strings.Contains(lower, "essay")
}

func primaryLanguage(lower string) string {
	words := strings.Fields(lower)
	if len(words) == 0 {
		return "unknown"
	}
	counts := make(map[string]int, len(languageWords))
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()")
		for lang, markers := range languageWords {
			for _, m := range markers {
				if w == m {
					counts[lang]++
				}
			}
		}
	}

	best, bestN := "unknown", 0
	// Deterministic tie-break by fixed order.
	for _, lang := range []string{"english", "spanish", "french", "german"} {
		if counts[lang] > bestN {
			best, bestN = lang, counts[lang]
		}
	}
	return best
}

func complexity(text string) Complexity {
	words := len(strings.Fields(text))
	sentences := strings.Count(text, ".") + strings.Count(text, "!") + strings.Count(text, "?")
	if sentences == 0 {
		sentences = 1
	}
	avg := float64(words) / float64(sentences)

	switch {
	case avg > 25 || len(text) > 1000:
		return ComplexityHigh
	case avg > 15 || len(text) > 500:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}
