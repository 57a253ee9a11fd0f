package markup

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Names with special meaning to the parser.
const (
	CharacterAttribute = "character"
	NoMarkupAttribute  = "nomarkup"
	TrimWhitespace     = "trimwhitespace"
)

// markupSyntaxError is a malformed-markup problem; it becomes a Diagnostic.
type markupSyntaxError struct {
	pos int
	msg string
}

func (e *markupSyntaxError) Error() string { return e.msg }

type markerKind int

const (
	markerOpen markerKind = iota
	markerClose
	markerCloseAll
	markerSelfClosing
)

type marker struct {
	kind  markerKind
	name  string
	props map[string]PropertyValue
	pos   int // rune offset of '[' in the input
}

type openMarker struct {
	marker
	start int // rune offset in the output
}

type parser struct {
	f     *Formatter
	src   []rune
	pos   int
	out   []rune
	open  []openMarker
	attrs []Attribute
}

// Parse strips markup from text and returns the spans it described.
// The plural, ordinal and select markers are replaced by their selected case.
//
// Malformed markup (an unterminated tag, a close without an open, a close
// that does not match the innermost open tag, or a tag left open at the end
// of the line) yields a Result whose Text is the input unchanged, with no
// attributes and one Diagnostic. The only error Parse returns wraps
// ErrMissingCategory.
func (f *Formatter) Parse(text string) (Result, error) {
	p := &parser{f: f, src: []rune(text)}
	if err := p.run(); err != nil {
		var se *markupSyntaxError
		if errors.As(err, &se) {
			return Result{
				Text:        text,
				Diagnostics: []Diagnostic{{Position: se.pos, Message: se.msg}},
			}, nil
		}
		return Result{}, err
	}

	p.addCharacterAttribute()
	sort.SliceStable(p.attrs, func(i, j int) bool {
		return p.attrs[i].Position < p.attrs[j].Position
	})
	return Result{Text: string(p.out), Attributes: p.attrs}, nil
}

// Parse strips markup using the default locale's plural rules.
func Parse(text string) (Result, error) {
	return (*Formatter)(nil).Parse(text)
}

func (p *parser) run() error {
	for p.pos < len(p.src) {
		r := p.src[p.pos]
		switch {
		case r == '\\' && p.pos+1 < len(p.src) && strings.ContainsRune(`[]\`, p.src[p.pos+1]):
			p.out = append(p.out, p.src[p.pos+1])
			p.pos += 2

		case r == '[':
			m, err := p.readMarker()
			if err != nil {
				return err
			}
			if err := p.handle(m); err != nil {
				return err
			}

		default:
			p.out = append(p.out, r)
			p.pos++
		}
	}

	if len(p.open) > 0 {
		last := p.open[len(p.open)-1]
		return &markupSyntaxError{pos: last.pos, msg: fmt.Sprintf("[%s] is never closed", last.name)}
	}
	return nil
}

func (p *parser) handle(m marker) error {
	switch m.kind {
	case markerOpen:
		if m.name == NoMarkupAttribute {
			return p.noMarkup(m)
		}
		p.open = append(p.open, openMarker{marker: m, start: len(p.out)})

	case markerClose:
		if len(p.open) == 0 {
			return &markupSyntaxError{pos: m.pos, msg: fmt.Sprintf("[/%s] closes nothing", m.name)}
		}
		top := p.open[len(p.open)-1]
		if top.name != m.name {
			return &markupSyntaxError{pos: m.pos, msg: fmt.Sprintf("[/%s] does not match [%s]", m.name, top.name)}
		}
		p.open = p.open[:len(p.open)-1]
		p.closeMarker(top)

	case markerCloseAll:
		for len(p.open) > 0 {
			top := p.open[len(p.open)-1]
			p.open = p.open[:len(p.open)-1]
			p.closeMarker(top)
		}

	case markerSelfClosing:
		switch m.name {
		case "plural", "ordinal", "select":
			text, err := p.replacement(m)
			if err != nil {
				return err
			}
			p.out = append(p.out, []rune(text)...)
		default:
			p.attrs = append(p.attrs, Attribute{
				Name:           m.name,
				Position:       len(p.out),
				Properties:     m.props,
				SourcePosition: m.pos,
			})
		}
		p.trimAfterSelfClosing(m)
	}
	return nil
}

func (p *parser) closeMarker(m openMarker) {
	p.attrs = append(p.attrs, Attribute{
		Name:           m.name,
		Position:       m.start,
		Length:         len(p.out) - m.start,
		Properties:     m.props,
		SourcePosition: m.pos,
	})
}

// noMarkup copies everything up to the matching [/nomarkup] verbatim.
func (p *parser) noMarkup(m marker) error {
	const closeTag = "[/nomarkup]"
	rest := string(p.src[p.pos:])
	end := strings.Index(rest, closeTag)
	if end < 0 {
		return &markupSyntaxError{pos: m.pos, msg: "[nomarkup] is never closed"}
	}
	literal := []rune(rest[:end])
	start := len(p.out)
	p.out = append(p.out, literal...)
	p.pos += len(literal) + len([]rune(closeTag))
	p.attrs = append(p.attrs, Attribute{
		Name:           NoMarkupAttribute,
		Position:       start,
		Length:         len(literal),
		Properties:     m.props,
		SourcePosition: m.pos,
	})
	return nil
}

// trimAfterSelfClosing drops one whitespace rune after a self-closing marker
// that starts the line or follows whitespace, so "a [pause/] b" reads "a b".
func (p *parser) trimAfterSelfClosing(m marker) {
	if v, ok := m.props[TrimWhitespace]; ok && v.Kind == PropertyBool && !v.Bool {
		return
	}
	if len(p.out) > 0 && !unicode.IsSpace(p.out[len(p.out)-1]) {
		return
	}
	if p.pos < len(p.src) && unicode.IsSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *parser) replacement(m marker) (string, error) {
	value, ok := m.props["value"]
	if !ok {
		return "", &markupSyntaxError{pos: m.pos, msg: fmt.Sprintf("[%s] needs a value property", m.name)}
	}
	cases := make(map[string]string, len(m.props))
	for k, v := range m.props {
		if k != "value" && k != TrimWhitespace {
			cases[k] = v.String()
		}
	}

	if m.name == "select" {
		return chooseCase(m.name, value.String(), value.String(), cases)
	}
	n, ok := value.Number()
	if !ok {
		return "", &markupSyntaxError{pos: m.pos, msg: fmt.Sprintf("[%s] value %q is not a number", m.name, value.String())}
	}
	kind := Cardinal
	if m.name == "ordinal" {
		kind = Ordinal
	}
	c, err := p.f.rules().Category(p.f.locale(), n, kind)
	if err != nil {
		return "", fmt.Errorf("%s of %s: %w", m.name, value.String(), err)
	}
	return chooseCase(m.name, string(c), value.String(), cases)
}

// addCharacterAttribute marks a leading "Name: " as the character speaking,
// unless the line already has a character attribute.
func (p *parser) addCharacterAttribute() {
	for _, a := range p.attrs {
		if a.Name == CharacterAttribute {
			return
		}
	}
	colon := -1
	for i, r := range p.out {
		if r == ':' {
			colon = i
			break
		}
		if r == '\n' {
			return
		}
	}
	if colon <= 0 {
		return
	}
	name := strings.TrimSpace(string(p.out[:colon]))
	if name == "" {
		return
	}
	end := colon + 1
	for end < len(p.out) && unicode.IsSpace(p.out[end]) {
		end++
	}
	p.attrs = append(p.attrs, Attribute{
		Name:       CharacterAttribute,
		Position:   0,
		Length:     end,
		Properties: map[string]PropertyValue{"name": {Kind: PropertyString, Str: name}},
	})
}

// ---------------------------------------------------------------------------
// Marker syntax
// ---------------------------------------------------------------------------

func (p *parser) readMarker() (marker, error) {
	m := marker{pos: p.pos, props: map[string]PropertyValue{}}
	p.pos++ // '['
	p.skipSpace()

	if p.peek() == '/' {
		p.pos++
		p.skipSpace()
		m.name = p.readName()
		p.skipSpace()
		if p.peek() != ']' {
			return m, p.syntaxError(m.pos, "unterminated close tag")
		}
		p.pos++
		m.kind = markerClose
		if m.name == "" {
			m.kind = markerCloseAll
		}
		return m, nil
	}

	m.name = p.readName()
	if m.name == "" {
		return m, p.syntaxError(m.pos, "tag has no name")
	}
	if p.peek() == '=' {
		// [wave=5] is shorthand for [wave wave=5]
		p.pos++
		v, err := p.readValue()
		if err != nil {
			return m, err
		}
		m.props[m.name] = v
	}

	for {
		p.skipSpace()
		switch r := p.peek(); {
		case r == 0:
			return m, p.syntaxError(m.pos, fmt.Sprintf("[%s is never terminated", m.name))
		case r == ']':
			p.pos++
			m.kind = markerOpen
			return m, nil
		case r == '/' && p.peekAt(1) == ']':
			p.pos += 2
			m.kind = markerSelfClosing
			return m, nil
		}

		key := p.readName()
		if key == "" {
			return m, p.syntaxError(p.pos, fmt.Sprintf("unexpected %q in [%s]", p.peek(), m.name))
		}
		p.skipSpace()
		if p.peek() != '=' {
			return m, p.syntaxError(p.pos, fmt.Sprintf("property %q in [%s] has no value", key, m.name))
		}
		p.pos++
		p.skipSpace()
		v, err := p.readValue()
		if err != nil {
			return m, err
		}
		m.props[key] = v
	}
}

func (p *parser) readValue() (PropertyValue, error) {
	if p.peek() == '"' {
		start := p.pos
		var sb strings.Builder
		for p.pos++; p.pos < len(p.src); p.pos++ {
			r := p.src[p.pos]
			if r == '\\' && p.pos+1 < len(p.src) {
				p.pos++
				sb.WriteRune(p.src[p.pos])
				continue
			}
			if r == '"' {
				p.pos++
				return PropertyValue{Kind: PropertyString, Str: sb.String()}, nil
			}
			sb.WriteRune(r)
		}
		return PropertyValue{}, p.syntaxError(start, "unterminated string")
	}

	start := p.pos
	for p.pos < len(p.src) {
		r := p.src[p.pos]
		if unicode.IsSpace(r) || r == ']' || (r == '/' && p.peekAt(1) == ']') {
			break
		}
		p.pos++
	}
	raw := string(p.src[start:p.pos])
	if raw == "" {
		return PropertyValue{}, p.syntaxError(start, "missing property value")
	}
	return typedValue(raw), nil
}

// typedValue interprets an unquoted property value.
func typedValue(raw string) PropertyValue {
	if i, err := strconv.Atoi(raw); err == nil {
		return PropertyValue{Kind: PropertyInt, Int: i}
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return PropertyValue{Kind: PropertyFloat, Float: f}
	}
	if b, err := strconv.ParseBool(raw); err == nil && (raw == "true" || raw == "false") {
		return PropertyValue{Kind: PropertyBool, Bool: b}
	}
	return PropertyValue{Kind: PropertyString, Str: raw}
}

func (p *parser) readName() string {
	start := p.pos
	for p.pos < len(p.src) {
		r := p.src[p.pos]
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' && r != '.' {
			break
		}
		p.pos++
	}
	return string(p.src[start:p.pos])
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *parser) peek() rune { return p.peekAt(0) }

func (p *parser) peekAt(n int) rune {
	if p.pos+n < len(p.src) {
		return p.src[p.pos+n]
	}
	return 0
}

func (p *parser) syntaxError(pos int, msg string) error {
	return &markupSyntaxError{pos: pos, msg: msg}
}
