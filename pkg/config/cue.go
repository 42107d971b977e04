package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// ParseCUE evaluates a CUE file into a document. The result must be a
// concrete struct; definitions and hidden fields are not exported, so a file
// may declare schemas such as #Stage next to the values they constrain.
func ParseCUE(data []byte, filename string) (Document, error) {
	ctx := cuecontext.New()

	val := ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, cueError(err)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(err)
	}
	if kind := val.Kind(); kind != cue.StructKind {
		return nil, fmt.Errorf("top level must be a struct, got %s", kind)
	}

	// Exported through JSON so numbers keep their literal text like in
	// JSON documents.
	out, err := val.MarshalJSON()
	if err != nil {
		return nil, cueError(err)
	}
	return ParseJSON(out)
}

// cueError flattens CUE's error list into one error with positions.
func cueError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msg := strings.TrimSpace(cueerrors.Details(e, nil))
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Line() > 0 {
			msg = fmt.Sprintf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), msg)
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("cue: %s", strings.Join(msgs, "; "))
}
