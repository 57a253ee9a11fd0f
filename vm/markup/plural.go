package markup

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/feature/plural"
	"golang.org/x/text/language"
)

// PluralKind selects between cardinal ("3 apples") and ordinal ("3rd place")
// rules.
type PluralKind int

const (
	Cardinal PluralKind = iota
	Ordinal
)

func (k PluralKind) String() string {
	if k == Ordinal {
		return "ordinal"
	}
	return "cardinal"
}

// Category is a CLDR plural category name.
type Category string

const (
	Zero  Category = "zero"
	One   Category = "one"
	Two   Category = "two"
	Few   Category = "few"
	Many  Category = "many"
	Other Category = "other"
)

// PluralRules maps a number to its plural category in a locale.
// Implementations must be pure functions of their arguments.
type PluralRules interface {
	Category(locale language.Tag, n float64, kind PluralKind) (Category, error)
}

// CLDRRules implements PluralRules with the CLDR data bundled in
// golang.org/x/text.
type CLDRRules struct{}

var formCategories = map[plural.Form]Category{
	plural.Other: Other,
	plural.Zero:  Zero,
	plural.One:   One,
	plural.Two:   Two,
	plural.Few:   Few,
	plural.Many:  Many,
}

// Category implements PluralRules.
func (CLDRRules) Category(locale language.Tag, n float64, kind PluralKind) (Category, error) {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return Other, nil
	}
	i, v, w, f, t := pluralOperands(n)

	rules := plural.Cardinal
	if kind == Ordinal {
		rules = plural.Ordinal
	}
	form := rules.MatchPlural(locale, i, v, w, f, t)
	c, ok := formCategories[form]
	if !ok {
		return "", fmt.Errorf("unknown plural form %d for %s", form, locale)
	}
	return c, nil
}

// pluralOperands computes the CLDR operands of n from its shortest decimal
// representation: integer digits i, visible fraction digit count v (and w
// without trailing zeros), and the fraction digits f (and t).
func pluralOperands(n float64) (i, v, w, f, t int) {
	s := strconv.FormatFloat(math.Abs(n), 'f', -1, 64)
	intPart, frac, _ := strings.Cut(s, ".")

	i = lastDigits(intPart)
	v = len(frac)
	f = lastDigits(frac)
	trimmed := strings.TrimRight(frac, "0")
	w = len(trimmed)
	t = lastDigits(trimmed)
	return i, v, w, f, t
}

// lastDigits parses at most the last nine digits of s. CLDR rules only test
// low-order digits, so very large values keep their modular behaviour.
func lastDigits(s string) int {
	if len(s) > 9 {
		s = s[len(s)-9:]
	}
	if s == "" {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}

var (
	localeMu      sync.RWMutex
	defaultLocale = language.English
)

// SetDefaultLocale sets the process-wide locale used by formatters that do
// not carry their own.
func SetDefaultLocale(tag language.Tag) {
	localeMu.Lock()
	defer localeMu.Unlock()
	defaultLocale = tag
}

// DefaultLocale returns the process-wide locale.
func DefaultLocale() language.Tag {
	localeMu.RLock()
	defer localeMu.RUnlock()
	return defaultLocale
}

// ParseLocale parses a BCP-47 tag such as "en", "pt-BR" or "ru".
func ParseLocale(s string) (language.Tag, error) {
	tag, err := language.Parse(s)
	if err != nil {
		return language.Und, fmt.Errorf("locale %q: %w", s, err)
	}
	return tag, nil
}
