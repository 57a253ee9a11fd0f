package vm

import (
	"strings"
	"unicode"

	"github.com/chazu/parley/pkg/bytecode"
	"github.com/chazu/parley/vm/markup"
)

// Line is a rendered line of dialogue.
type Line struct {
	ID            bytecode.LineID
	Text          string
	Attributes    []markup.Attribute
	Diagnostics   []markup.Diagnostic
	Tags          []string
	Substitutions []string
}

// CharacterName returns the speaker of the line, if it names one.
func (l Line) CharacterName() (string, bool) {
	return l.markup().CharacterName()
}

// TextWithoutCharacterName returns the text with any "Name: " prefix removed.
func (l Line) TextWithoutCharacterName() string {
	return l.markup().TextWithoutCharacterName()
}

func (l Line) markup() markup.Result {
	return markup.Result{Text: l.Text, Attributes: l.Attributes, Diagnostics: l.Diagnostics}
}

// Option is one choice presented to the player. Unavailable options are
// still presented so the host can show them disabled.
type Option struct {
	Index            int
	Line             Line
	DestinationLabel string
	IsAvailable      bool

	destination int
}

// Command is a rendered command for the host to act on, such as
// "wait 2" or `move "Old Man" door`.
type Command struct {
	Text string
	Name string
	Args []string
}

// ParseCommand splits command text into a name and arguments. Double-quoted
// arguments may contain spaces.
func ParseCommand(text string) Command {
	c := Command{Text: text}
	fields := splitCommand(text)
	if len(fields) > 0 {
		c.Name = fields[0]
		c.Args = fields[1:]
	}
	return c
}

func splitCommand(text string) []string {
	var (
		fields  []string
		current strings.Builder
		quoted  bool
		started bool
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\\' && quoted && i+1 < len(runes) && (runes[i+1] == '"' || runes[i+1] == '\\'):
			i++
			current.WriteRune(runes[i])
		case r == '"':
			quoted = !quoted
			started = true
		case unicode.IsSpace(r) && !quoted:
			if started {
				fields = append(fields, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if started {
		fields = append(fields, current.String())
	}
	return fields
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Event is something the host must handle. Each call into the VM returns the
// events it produced, in order.
type Event interface {
	event()
}

// LineEvent delivers a line. The VM waits for Continue.
type LineEvent struct {
	Line Line
}

// OptionsEvent delivers the accumulated options, in the order they were
// added. The VM waits for an option to be selected.
type OptionsEvent struct {
	Options []Option
}

// CommandEvent delivers a command. The VM waits for Continue.
type CommandEvent struct {
	Command Command
}

// NodeStartedEvent reports that execution entered a node.
type NodeStartedEvent struct {
	Name string
}

// NodeCompletedEvent reports that execution left a node.
type NodeCompletedEvent struct {
	Name string
}

// DialogueCompleteEvent reports that the dialogue has ended.
type DialogueCompleteEvent struct{}

func (LineEvent) event()             {}
func (OptionsEvent) event()          {}
func (CommandEvent) event()          {}
func (NodeStartedEvent) event()      {}
func (NodeCompletedEvent) event()    {}
func (DialogueCompleteEvent) event() {}
