package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// DecodeError reports a malformed tagged record. Path locates the record
// inside the payload, e.g. "$.value[2].name".
type DecodeError struct {
	Path   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s at %s: %v", e.Reason, e.Path, e.Err)
	}
	return fmt.Sprintf("codec: %s at %s", e.Reason, e.Path)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrUnresolvedFunction is returned when a Function value names a function
// the receiving registry does not know.
var ErrUnresolvedFunction = errors.New("unresolved function reference")

type rawRecord struct {
	Key   *Kind           `json:"$key"`
	Value json.RawMessage `json:"value"`
	Data  *string         `json:"data"`
	Name  string          `json:"name"`
	Args  []string        `json:"args"`
	Body  *string         `json:"body"`
}

// Decode parses the JSON form of a tagged record.
func Decode(data []byte) (Value, error) {
	return decodeAt("$", data)
}

func decodeAt(path string, data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, &DecodeError{Path: path, Reason: "expected tagged object"}
	}

	var rec rawRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &DecodeError{Path: path, Reason: "invalid JSON", Err: err}
	}
	if rec.Key == nil {
		return nil, &DecodeError{Path: path, Reason: "missing $key"}
	}

	switch *rec.Key {
	case KindNull:
		return Null{}, nil

	case KindBool:
		var b bool
		if err := decodeScalar(path, rec.Value, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil

	case KindNumber:
		var n float64
		if err := decodeScalar(path, rec.Value, &n); err != nil {
			return nil, err
		}
		return Number(n), nil

	case KindString:
		var s string
		if err := decodeScalar(path, rec.Value, &s); err != nil {
			return nil, err
		}
		return String(s), nil

	case KindArray:
		var raws []json.RawMessage
		if err := decodeScalar(path, rec.Value, &raws); err != nil {
			return nil, err
		}
		arr := make(Array, 0, len(raws))
		for i, raw := range raws {
			elem, err := decodeAt(path+".value["+strconv.Itoa(i)+"]", raw)
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil

	case KindObject:
		var raws map[string]json.RawMessage
		if err := decodeScalar(path, rec.Value, &raws); err != nil {
			return nil, err
		}
		obj := make(Object, len(raws))
		for name, raw := range raws {
			field, err := decodeAt(path+".value."+name, raw)
			if err != nil {
				return nil, err
			}
			obj[name] = field
		}
		return obj, nil

	case KindBuffer:
		if rec.Data == nil {
			return nil, &DecodeError{Path: path, Reason: "Buffer missing data"}
		}
		b, err := base64.StdEncoding.DecodeString(*rec.Data)
		if err != nil {
			return nil, &DecodeError{Path: path, Reason: "Buffer data is not base64", Err: err}
		}
		return Buffer(b), nil

	case KindFunction:
		if rec.Body == nil {
			return nil, &DecodeError{Path: path, Reason: "Function missing body"}
		}
		return Func{Name: rec.Name, Params: rec.Args, Body: *rec.Body}, nil

	default:
		return nil, &DecodeError{Path: path, Reason: fmt.Sprintf("unknown $key %q", *rec.Key)}
	}
}

func decodeScalar(path string, raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return &DecodeError{Path: path, Reason: "missing value"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &DecodeError{Path: path, Reason: "value has wrong type", Err: err}
	}
	return nil
}
