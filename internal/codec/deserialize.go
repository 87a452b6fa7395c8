package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type decodeOptions struct {
	funcs *FuncRegistry
}

// Option configures Deserialize.
type Option func(*decodeOptions)

// WithFuncRegistry resolves Function values against reg. A Function whose
// name is not registered fails with ErrUnresolvedFunction at deserialize
// time rather than when it is eventually called.
func WithFuncRegistry(reg *FuncRegistry) Option {
	return func(o *decodeOptions) { o.funcs = reg }
}

// Deserialize reconstructs the Go value of a tagged record. Results use the
// canonical forms nil, bool, float64, string, []any, map[string]any, []byte
// and either Callable (with a registry) or Func (without one).
func Deserialize(v Value, opts ...Option) (any, error) {
	var o decodeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return deserializeAt("$", v, &o)
}

func deserializeAt(path string, v Value, o *decodeOptions) (any, error) {
	switch x := v.(type) {
	case nil, Null:
		return nil, nil
	case Bool:
		return bool(x), nil
	case Number:
		return float64(x), nil
	case String:
		return string(x), nil
	case Buffer:
		return append([]byte{}, x...), nil
	case Array:
		out := make([]any, 0, len(x))
		for i, elem := range x {
			d, err := deserializeAt(path+"["+strconv.Itoa(i)+"]", elem, o)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, nil
	case Object:
		out := make(map[string]any, len(x))
		for k, field := range x {
			d, err := deserializeAt(path+"."+k, field, o)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case Func:
		if o.funcs == nil {
			return x, nil
		}
		fn, ok := o.funcs.Lookup(x.Name)
		if !ok {
			return nil, &DecodeError{Path: path, Reason: fmt.Sprintf("function %q", x.Name), Err: ErrUnresolvedFunction}
		}
		return fn, nil
	}
	return nil, &DecodeError{Path: path, Reason: fmt.Sprintf("unsupported value %T", v)}
}

// Bind deserializes v into dst, a pointer to a struct, map or slice, using
// dst's json tags. Buffers bind to []byte fields.
func Bind(v Value, dst any) error {
	generic, err := Deserialize(v)
	if err != nil {
		return err
	}
	data, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("codec: bind: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("codec: bind: %w", err)
	}
	return nil
}
