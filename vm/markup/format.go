package markup

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Formatter renders line templates: positional placeholders, the plural,
// ordinal and select functions, then markup. A Formatter is not safe for
// concurrent use while its fields are being changed.
type Formatter struct {
	// Locale selects plural rules. language.Und means DefaultLocale().
	Locale language.Tag

	// Rules is consulted for plural and ordinal categories. Nil means CLDRRules.
	Rules PluralRules
}

// NewFormatter creates a formatter for a locale.
func NewFormatter(locale language.Tag, rules PluralRules) *Formatter {
	return &Formatter{Locale: locale, Rules: rules}
}

func (f *Formatter) locale() language.Tag {
	if f == nil || f.Locale == language.Und {
		return DefaultLocale()
	}
	return f.Locale
}

func (f *Formatter) rules() PluralRules {
	if f == nil || f.Rules == nil {
		return CLDRRules{}
	}
	return f.Rules
}

// Format renders a template with its substitutions.
//
// A *FormatError means the template itself cannot be rendered. An error
// wrapping ErrMissingCategory means a format function had no usable case.
// Malformed markup is not an error: the Result carries the unparsed text and
// a Diagnostic instead.
func (f *Formatter) Format(template string, substitutions []string) (Result, error) {
	text, err := f.Substitute(template, substitutions)
	if err != nil {
		return Result{}, err
	}
	return f.Parse(norm.NFC.String(text))
}

// Substitute resolves {N} placeholders and {N:function, ...} calls. \{ and
// \} produce literal braces. A '{' that is not followed by a digit is left as
// it is.
func (f *Formatter) Substitute(template string, substitutions []string) (string, error) {
	if !strings.ContainsAny(template, "{}\\") {
		return template, nil
	}

	var sb strings.Builder
	sb.Grow(len(template))

	for i := 0; i < len(template); {
		c := template[i]
		switch {
		case c == '\\' && i+1 < len(template) && (template[i+1] == '{' || template[i+1] == '}'):
			sb.WriteByte(template[i+1])
			i += 2

		case c == '{' && i+1 < len(template) && isDigit(template[i+1]):
			n, err := f.placeholder(&sb, template, i, substitutions)
			if err != nil {
				return "", err
			}
			i = n

		default:
			sb.WriteByte(c)
			i++
		}
	}
	return sb.String(), nil
}

// placeholder renders the placeholder starting at template[start] and returns
// the offset just past it.
func (f *Formatter) placeholder(sb *strings.Builder, template string, start int, subs []string) (int, error) {
	i := start + 1
	for i < len(template) && isDigit(template[i]) {
		i++
	}
	index, err := strconv.Atoi(template[start+1 : i])
	if err != nil {
		return 0, &FormatError{Template: template, Offset: start, Msg: "placeholder index too large"}
	}
	if index >= len(subs) {
		return 0, &FormatError{Template: template, Offset: start,
			Msg: fmt.Sprintf("placeholder {%d} out of range (%d substitutions)", index, len(subs))}
	}
	value := subs[index]

	if i >= len(template) {
		return 0, &FormatError{Template: template, Offset: start, Msg: "unterminated placeholder"}
	}
	switch template[i] {
	case '}':
		sb.WriteString(value)
		return i + 1, nil
	case ':':
		call, end, err := parseFunctionCall(template, i+1)
		if err != nil {
			return 0, &FormatError{Template: template, Offset: start, Msg: err.Error()}
		}
		text, err := f.apply(call.name, value, call.cases)
		if err != nil {
			return 0, err
		}
		sb.WriteString(text)
		return end, nil
	default:
		return 0, &FormatError{Template: template, Offset: start, Msg: fmt.Sprintf("unexpected %q in placeholder", template[i])}
	}
}

type functionCall struct {
	name  string
	cases map[string]string
}

// parseFunctionCall parses `plural, one "% apple" other "% apples"}` starting
// just after the colon, returning the offset past the closing brace.
func parseFunctionCall(s string, i int) (functionCall, int, error) {
	skipSpace := func() {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
	}

	skipSpace()
	start := i
	for i < len(s) && isWordByte(s[i]) {
		i++
	}
	call := functionCall{name: s[start:i], cases: make(map[string]string)}
	if call.name == "" {
		return call, 0, fmt.Errorf("missing function name")
	}
	skipSpace()
	if i < len(s) && s[i] == ',' {
		i++
	}

	for {
		skipSpace()
		if i >= len(s) {
			return call, 0, fmt.Errorf("unterminated %s call", call.name)
		}
		if s[i] == '}' {
			return call, i + 1, nil
		}

		start := i
		for i < len(s) && s[i] != ' ' && s[i] != '\t' && s[i] != '"' && s[i] != '}' {
			i++
		}
		key := strings.TrimSuffix(s[start:i], "=")
		if key == "" {
			return call, 0, fmt.Errorf("missing case name in %s call", call.name)
		}
		skipSpace()
		if i >= len(s) || s[i] != '"' {
			return call, 0, fmt.Errorf("case %q of %s call needs a quoted string", key, call.name)
		}
		text, n, err := readQuoted(s[i:])
		if err != nil {
			return call, 0, err
		}
		i += n
		call.cases[key] = text
	}
}

// readQuoted reads a double-quoted string with \" and \\ escapes, returning
// the unescaped text and the bytes consumed.
func readQuoted(s string) (string, int, error) {
	var sb strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
				i++
				sb.WriteByte(s[i])
				continue
			}
			sb.WriteByte('\\')
		case '"':
			return sb.String(), i + 1, nil
		default:
			sb.WriteByte(s[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

// apply runs a format function over a value.
func (f *Formatter) apply(name, value string, cases map[string]string) (string, error) {
	switch name {
	case "select":
		return chooseCase(name, value, value, cases)
	case "plural", "ordinal":
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return "", &FormatError{Template: value, Msg: fmt.Sprintf("%s needs a number, got %q", name, value)}
		}
		kind := Cardinal
		if name == "ordinal" {
			kind = Ordinal
		}
		c, err := f.rules().Category(f.locale(), n, kind)
		if err != nil {
			return "", fmt.Errorf("%s of %s: %w", name, value, err)
		}
		return chooseCase(name, string(c), value, cases)
	default:
		return "", &FormatError{Template: value, Msg: fmt.Sprintf("unknown format function %q", name)}
	}
}

// chooseCase picks the case for key, falling back to "other", and replaces
// each unescaped % with the value.
func chooseCase(function, key, value string, cases map[string]string) (string, error) {
	text, ok := cases[key]
	if !ok {
		text, ok = cases[string(Other)]
	}
	if !ok {
		return "", fmt.Errorf("%w: %s has no %q case", ErrMissingCategory, function, key)
	}
	return replacePercent(text, value), nil
}

func replacePercent(text, value string) string {
	if !strings.Contains(text, "%") {
		return text
	}
	var sb strings.Builder
	for i := 0; i < len(text); i++ {
		switch {
		case text[i] == '\\' && i+1 < len(text) && text[i+1] == '%':
			sb.WriteByte('%')
			i++
		case text[i] == '%':
			sb.WriteString(value)
		default:
			sb.WriteByte(text[i])
		}
	}
	return sb.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isWordByte(c byte) bool {
	if c >= utf8.RuneSelf {
		return false
	}
	r := rune(c)
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
