package mirror

import (
	"encoding/json"
	"fmt"
)

// Kwargs are keyword arguments for a call.
type Kwargs map[string]any

// Args are the transferable arguments of one call, already encoded.
type Args struct {
	Positional []json.RawMessage
	Keyword    map[string]json.RawMessage
}

// NewArgs encodes positional and keyword arguments. Values must be JSON
// encodable; nothing else about them is checked.
func NewArgs(args []any, kwargs Kwargs) (Args, error) {
	var out Args
	if len(args) > 0 {
		out.Positional = make([]json.RawMessage, len(args))
		for i, v := range args {
			raw, err := json.Marshal(v)
			if err != nil {
				return Args{}, fmt.Errorf("encode argument %d: %w", i, err)
			}
			out.Positional[i] = raw
		}
	}
	if len(kwargs) > 0 {
		out.Keyword = make(map[string]json.RawMessage, len(kwargs))
		for name, v := range kwargs {
			raw, err := json.Marshal(v)
			if err != nil {
				return Args{}, fmt.Errorf("encode keyword argument %q: %w", name, err)
			}
			out.Keyword[name] = raw
		}
	}
	return out, nil
}

// Len is the number of positional arguments.
func (a Args) Len() int {
	return len(a.Positional)
}

// Decode unmarshals positional argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a.Positional) {
		return fmt.Errorf("%w: position %d (have %d)", ErrMissingArgument, i, len(a.Positional))
	}
	if err := json.Unmarshal(a.Positional[i], v); err != nil {
		return fmt.Errorf("%w: decode argument %d: %w", ErrBadArgument, i, err)
	}
	return nil
}

// Kwarg unmarshals keyword argument name into v and reports whether it was present.
func (a Args) Kwarg(name string, v any) (bool, error) {
	raw, ok := a.Keyword[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("%w: decode keyword argument %q: %w", ErrBadArgument, name, err)
	}
	return true, nil
}
