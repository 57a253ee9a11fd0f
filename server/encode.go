package server

import (
	"fmt"
	"math"

	"github.com/chazu/parley/vm"
	"github.com/chazu/parley/vm/markup"
	"google.golang.org/protobuf/types/known/structpb"
)

// Events are returned as plain JSON-like objects tagged by "type":
//
//	{"type": "line", "id": "line:12", "text": "...", "character": "Mae", ...}
//	{"type": "options", "options": [{"index": 0, "text": "...", "available": true}, ...]}
//	{"type": "command", "text": "wait 2", "name": "wait", "args": ["2"]}
//	{"type": "node_started", "node": "Start"}
//	{"type": "node_completed", "node": "Start"}
//	{"type": "dialogue_complete"}

func stateFields(d *vm.Dialogue, events []vm.Event) map[string]any {
	return map[string]any{
		"state":  d.State().String(),
		"node":   d.CurrentNode(),
		"events": encodeEvents(events),
	}
}

func encodeEvents(events []vm.Event) []any {
	out := make([]any, 0, len(events))
	for _, e := range events {
		out = append(out, encodeEvent(e))
	}
	return out
}

func encodeEvent(e vm.Event) map[string]any {
	switch e := e.(type) {
	case vm.LineEvent:
		m := encodeLine(e.Line)
		m["type"] = "line"
		return m
	case vm.OptionsEvent:
		opts := make([]any, 0, len(e.Options))
		for _, o := range e.Options {
			m := encodeLine(o.Line)
			m["index"] = o.Index
			m["available"] = o.IsAvailable
			m["destination"] = o.DestinationLabel
			opts = append(opts, m)
		}
		return map[string]any{"type": "options", "options": opts}
	case vm.CommandEvent:
		return map[string]any{
			"type": "command",
			"text": e.Command.Text,
			"name": e.Command.Name,
			"args": stringList(e.Command.Args),
		}
	case vm.NodeStartedEvent:
		return map[string]any{"type": "node_started", "node": e.Name}
	case vm.NodeCompletedEvent:
		return map[string]any{"type": "node_completed", "node": e.Name}
	case vm.DialogueCompleteEvent:
		return map[string]any{"type": "dialogue_complete"}
	default:
		return map[string]any{"type": fmt.Sprintf("%T", e)}
	}
}

func encodeLine(l vm.Line) map[string]any {
	m := map[string]any{
		"id":         string(l.ID),
		"text":       l.Text,
		"tags":       stringList(l.Tags),
		"attributes": encodeAttributes(l.Attributes),
	}
	if name, ok := l.CharacterName(); ok {
		m["character"] = name
		m["text_without_character"] = l.TextWithoutCharacterName()
	}
	if len(l.Diagnostics) > 0 {
		diags := make([]any, 0, len(l.Diagnostics))
		for _, d := range l.Diagnostics {
			diags = append(diags, d.String())
		}
		m["diagnostics"] = diags
	}
	return m
}

func encodeAttributes(attrs []markup.Attribute) []any {
	out := make([]any, 0, len(attrs))
	for _, a := range attrs {
		props := make(map[string]any, len(a.Properties))
		for name, p := range a.Properties {
			switch p.Kind {
			case markup.PropertyInt:
				props[name] = p.Int
			case markup.PropertyFloat:
				props[name] = p.Float
			case markup.PropertyBool:
				props[name] = p.Bool
			default:
				props[name] = p.Str
			}
		}
		out = append(out, map[string]any{
			"name":       a.Name,
			"position":   a.Position,
			"length":     a.Length,
			"properties": props,
		})
	}
	return out
}

func encodeValue(v vm.Value) any {
	switch v.Kind() {
	case vm.KindNumber:
		n, _ := v.AsNumber()
		if math.IsInf(n, 0) || math.IsNaN(n) {
			// JSON has no representation for these.
			return v.String()
		}
		return n
	case vm.KindBool:
		b, _ := v.AsBool()
		return b
	default:
		s, _ := v.AsString()
		return s
	}
}

func decodeValue(v *structpb.Value) (vm.Value, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return vm.StringValue(k.StringValue), nil
	case *structpb.Value_NumberValue:
		return vm.NumberValue(k.NumberValue), nil
	case *structpb.Value_BoolValue:
		return vm.BoolValue(k.BoolValue), nil
	default:
		return vm.Value{}, fmt.Errorf("value must be a string, number or bool")
	}
}

func stringList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func stringField(msg *structpb.Struct, name string) string {
	return msg.GetFields()[name].GetStringValue()
}

func intField(msg *structpb.Struct, name string) (int, bool) {
	v, ok := msg.GetFields()[name]
	if !ok {
		return 0, false
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, false
	}
	return int(n.NumberValue), true
}
