package bytecode

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Format names a serialized program format.
type Format string

const (
	FormatAuto   Format = "auto"
	FormatNative Format = "native"
	FormatYarnc  Format = "yarnc"
)

// Load decodes a program in the given format. FormatAuto selects the native
// layout when the data starts with the PRLY magic and the Yarn Spinner
// protobuf layout otherwise.
func Load(data []byte, format Format) (*Program, error) {
	switch format {
	case FormatNative:
		return Deserialize(data)
	case FormatYarnc:
		return DecodeYarnc(data)
	case FormatAuto, "":
		if bytes.HasPrefix(data, ProgramMagic) {
			return Deserialize(data)
		}
		return DecodeYarnc(data)
	default:
		return nil, &ProgramLoadError{Format: string(format), Err: ErrUnknownFormat}
	}
}

// ReadStringTableCSV reads a Yarn Spinner string table. The first record is a
// header; the "id" and "text" columns are used and all others ignored.
func ReadStringTableCSV(r io.Reader) (map[LineID]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("string table: missing header")
		}
		return nil, fmt.Errorf("string table: %w", err)
	}
	idCol, textCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "id":
			idCol = i
		case "text":
			textCol = i
		}
	}
	if idCol < 0 || textCol < 0 {
		return nil, fmt.Errorf("string table: header must contain id and text columns, got %v", header)
	}

	lines := make(map[LineID]string)
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("string table: %w", err)
		}
		if idCol >= len(record) || textCol >= len(record) {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("string table: record on line %d is too short", line)
		}
		lines[LineID(record[idCol])] = record[textCol]
	}
	return lines, nil
}

// AttachStrings adds a string table to the program. Programs decoded from
// .yarnc files keep FlagExternalStrings, since a partial table is allowed.
func (p *Program) AttachStrings(lines map[LineID]string) {
	for id, text := range lines {
		p.Lines[id] = text
	}
}
