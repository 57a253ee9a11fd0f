// Package markup renders dialogue line templates.
//
// Rendering happens in three passes:
//
//  1. Placeholders. {0}, {1}, ... are replaced by the line's substitution
//     values. An index with no substitution is a *FormatError.
//  2. Format functions. {0:plural, one "% apple" other "% apples"} and the
//     marker forms [plural value={0} one="..." other="..."/],
//     [ordinal value={0} ...] and [select value={0} ...] choose a case by the
//     plural category of the value in the active locale (or, for select, the
//     value itself). A % in the chosen case is replaced by the value.
//  3. Markup. [name prop=value]...[/name], [name/] and [/] tags are removed
//     from the text and reported as Attributes whose positions count runes of
//     the stripped text.
//
// Text is NFC-normalised before markup is parsed.
//
// Malformed markup never fails a line: the text is passed through unparsed
// and the problem is reported in Result.Diagnostics.
package markup
