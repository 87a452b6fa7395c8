package codec

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// UnsupportedTypeError is returned by Serialize for kinds that have no
// tagged representation (channels, Go funcs, complex numbers, ...).
type UnsupportedTypeError struct {
	Type reflect.Type
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("codec: unsupported type %s", e.Type)
}

// number maps NaN and the infinities to Null, as JSON has no spelling for
// them.
func number(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Null{}
	}
	return Number(f)
}

// Serialize converts v into its tagged form.
//
// Records serialize their own exported fields only (json tags are honored,
// embedded structs are not flattened). Maps must be keyed by strings.
// Types implementing json.Marshaler are serialized from their JSON form.
func Serialize(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null{}, nil
	case *Func:
		if x == nil {
			return Null{}, nil
		}
		return *x, nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case float64:
		return number(x), nil
	case float32:
		return number(float64(x)), nil
	case int:
		return Number(x), nil
	case int64:
		return Number(x), nil
	case int32:
		return Number(x), nil
	case uint:
		return Number(x), nil
	case uint64:
		return Number(x), nil
	case uint32:
		return Number(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("codec: json number %q: %w", x, err)
		}
		return number(f), nil
	case []byte:
		return Buffer(append([]byte(nil), x...)), nil
	case []any:
		arr := make(Array, 0, len(x))
		for i, elem := range x {
			sv, err := Serialize(elem)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			arr = append(arr, sv)
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(x))
		for k, elem := range x {
			sv, err := Serialize(elem)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			obj[k] = sv
		}
		return obj, nil
	case json.Marshaler:
		return serializeViaJSON(x)
	case encoding.TextMarshaler:
		text, err := x.MarshalText()
		if err != nil {
			return nil, fmt.Errorf("codec: marshal text: %w", err)
		}
		return String(text), nil
	}
	return serializeReflect(reflect.ValueOf(v))
}

func serializeViaJSON(m json.Marshaler) (Value, error) {
	data, err := m.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("codec: marshal json: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("codec: re-read json: %w", err)
	}
	return Serialize(generic)
}

func serializeReflect(rv reflect.Value) (Value, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null{}, nil
		}
		return Serialize(rv.Elem().Interface())

	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Number(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Number(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return number(rv.Float()), nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return Buffer(append([]byte(nil), rv.Bytes()...)), nil
		}
		arr := make(Array, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			sv, err := Serialize(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			arr = append(arr, sv)
		}
		return arr, nil

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &UnsupportedTypeError{Type: rv.Type()}
		}
		obj := make(Object, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			sv, err := Serialize(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			obj[k] = sv
		}
		return obj, nil

	case reflect.Struct:
		return serializeStruct(rv)
	}
	return nil, &UnsupportedTypeError{Type: rv.Type()}
}

func serializeStruct(rv reflect.Value) (Value, error) {
	rt := rv.Type()
	obj := make(Object, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitEmpty, skip := fieldName(field)
		if skip {
			continue
		}
		fv := rv.Field(i)
		if omitEmpty && fv.IsZero() {
			continue
		}
		sv, err := Serialize(fv.Interface())
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		obj[name] = sv
	}
	return obj, nil
}

func fieldName(f reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name = f.Name
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		name = parts[0]
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}
