package markup

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrMissingCategory is returned when a plural, ordinal or select function
// has no case for the selected category and no "other" case.
var ErrMissingCategory = errors.New("no case for category and no other case")

// FormatError reports a template that cannot be rendered with the given
// substitutions: a placeholder index out of range or a malformed placeholder.
type FormatError struct {
	Template string
	Offset   int // byte offset of the failing placeholder
	Msg      string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format %q at %d: %s", e.Template, e.Offset, e.Msg)
}

// PropertyKind is the type of a markup property value.
type PropertyKind int

const (
	PropertyString PropertyKind = iota
	PropertyInt
	PropertyFloat
	PropertyBool
)

// PropertyValue is a typed markup property such as the 5 in [wave size=5].
type PropertyValue struct {
	Kind  PropertyKind
	Str   string
	Int   int
	Float float64
	Bool  bool
}

// String renders the property as it would appear in source.
func (p PropertyValue) String() string {
	switch p.Kind {
	case PropertyInt:
		return strconv.Itoa(p.Int)
	case PropertyFloat:
		return strconv.FormatFloat(p.Float, 'f', -1, 64)
	case PropertyBool:
		return strconv.FormatBool(p.Bool)
	default:
		return p.Str
	}
}

// Number returns the property as a float when it is numeric.
func (p PropertyValue) Number() (float64, bool) {
	switch p.Kind {
	case PropertyInt:
		return float64(p.Int), true
	case PropertyFloat:
		return p.Float, true
	case PropertyString:
		f, err := strconv.ParseFloat(p.Str, 64)
		return f, err == nil
	}
	return 0, false
}

// Attribute is a markup span over the stripped text. Position and Length
// count runes.
type Attribute struct {
	Name       string
	Position   int
	Length     int
	Properties map[string]PropertyValue

	// SourcePosition is the rune offset of the opening tag in the input.
	SourcePosition int
}

// Property returns a named property.
func (a Attribute) Property(name string) (PropertyValue, bool) {
	p, ok := a.Properties[name]
	return p, ok
}

// Diagnostic describes markup that could not be parsed.
type Diagnostic struct {
	Position int // rune offset in the input
	Message  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%d: %s", d.Position, d.Message)
}

// Result is a rendered line: display text with markup removed, the markup
// spans, and any diagnostics. When Diagnostics is non-empty the markup was
// malformed, Text is the unparsed input and Attributes is empty.
type Result struct {
	Text        string
	Attributes  []Attribute
	Diagnostics []Diagnostic
}

// Attribute returns the first attribute with the given name.
func (r Result) Attribute(name string) (Attribute, bool) {
	for _, a := range r.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// TextFor returns the text covered by an attribute.
func (r Result) TextFor(a Attribute) string {
	runes := []rune(r.Text)
	start := min(max(a.Position, 0), len(runes))
	end := min(start+max(a.Length, 0), len(runes))
	return string(runes[start:end])
}

// CharacterName returns the speaker named by a "Name: text" prefix or an
// explicit [character name=...] tag.
func (r Result) CharacterName() (string, bool) {
	a, ok := r.Attribute(CharacterAttribute)
	if !ok {
		return "", false
	}
	p, ok := a.Property("name")
	if !ok {
		return "", false
	}
	return p.String(), true
}

// TextWithoutCharacterName returns the text with any character prefix removed.
func (r Result) TextWithoutCharacterName() string {
	a, ok := r.Attribute(CharacterAttribute)
	if !ok {
		return r.Text
	}
	runes := []rune(r.Text)
	end := min(a.Position+a.Length, len(runes))
	return string(runes[:a.Position]) + string(runes[end:])
}
