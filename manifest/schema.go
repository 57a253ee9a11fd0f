package manifest

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// ErrInvalidConfig is returned when parley.toml does not match the schema.
var ErrInvalidConfig = errors.New("invalid configuration")

const schemaSrc = `
project?: close({
	name?:    string
	version?: string
})
program?: close({
	path?:    string
	strings?: string
	format?:  "auto" | "native" | "yarnc"
})
runtime?: close({
	locale?:       string
	"max-steps"?:  int & >0
	"start-node"?: string & !=""
})
storage?: close({
	driver?: "memory" | "sqlite"
	path?:   string
})
server?: close({
	addr?: string
})
`

// validate checks decoded TOML against the configuration schema.
func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString("close({" + schemaSrc + "})")
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}

	if raw == nil {
		raw = map[string]any{}
	}
	value := ctx.Encode(raw)
	if err := value.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
