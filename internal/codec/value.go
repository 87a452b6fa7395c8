// Package codec converts structured values into a tagged, transmissible form
// and back.
//
// Every serialized value is a JSON object carrying a "$key" discriminator:
//
//	{"$key":"Null"}
//	{"$key":"Bool","value":true}
//	{"$key":"Number","value":1.5}
//	{"$key":"String","value":"abc"}
//	{"$key":"Array","value":[<value>, ...]}
//	{"$key":"Object","value":{"field":<value>, ...}}
//	{"$key":"Buffer","data":"<base64>"}
//	{"$key":"Function","name":"f","args":["a","b"],"body":"return a + b;"}
//
// The set of kinds is closed: Value is implemented only by the types in this
// package, and Decode rejects any other discriminator.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"math"
)

// Kind is the "$key" discriminator of a serialized value.
type Kind string

const (
	KindNull     Kind = "Null"
	KindBool     Kind = "Bool"
	KindNumber   Kind = "Number"
	KindString   Kind = "String"
	KindArray    Kind = "Array"
	KindObject   Kind = "Object"
	KindBuffer   Kind = "Buffer"
	KindFunction Kind = "Function"
)

// Value is a serialized value. See the package documentation for the wire
// shape of each kind.
type Value interface {
	Kind() Kind
	isValue()
}

type (
	// Null is the absent value.
	Null struct{}
	// Bool is a boolean.
	Bool bool
	// Number is any numeric value; integers are widened to float64.
	Number float64
	// String is a text value.
	String string
	// Array is an ordered sequence.
	Array []Value
	// Object is a composite record keyed by field name.
	Object map[string]Value
	// Buffer is a binary blob, base64 on the wire.
	Buffer []byte
)

func (Null) Kind() Kind   { return KindNull }
func (Bool) Kind() Kind   { return KindBool }
func (Number) Kind() Kind { return KindNumber }
func (String) Kind() Kind { return KindString }
func (Array) Kind() Kind  { return KindArray }
func (Object) Kind() Kind { return KindObject }
func (Buffer) Kind() Kind { return KindBuffer }
func (Func) Kind() Kind   { return KindFunction }

func (Null) isValue()   {}
func (Bool) isValue()   {}
func (Number) isValue() {}
func (String) isValue() {}
func (Array) isValue()  {}
func (Object) isValue() {}
func (Buffer) isValue() {}
func (Func) isValue()   {}

type tagged struct {
	Key   Kind `json:"$key"`
	Value any  `json:"value"`
}

func (Null) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key Kind `json:"$key"`
	}{KindNull})
}

func (b Bool) MarshalJSON() ([]byte, error) {
	return json.Marshal(tagged{KindBool, bool(b)})
}

func (n Number) MarshalJSON() ([]byte, error) {
	if f := float64(n); math.IsNaN(f) || math.IsInf(f, 0) {
		return Null{}.MarshalJSON()
	}
	return json.Marshal(tagged{KindNumber, float64(n)})
}

func (s String) MarshalJSON() ([]byte, error) {
	return json.Marshal(tagged{KindString, string(s)})
}

func (a Array) MarshalJSON() ([]byte, error) {
	elems := []Value(a)
	if elems == nil {
		elems = []Value{}
	}
	return json.Marshal(tagged{KindArray, elems})
}

func (o Object) MarshalJSON() ([]byte, error) {
	fields := map[string]Value(o)
	if fields == nil {
		fields = map[string]Value{}
	}
	return json.Marshal(tagged{KindObject, fields})
}

func (b Buffer) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key  Kind   `json:"$key"`
		Data string `json:"data"`
	}{KindBuffer, base64.StdEncoding.EncodeToString(b)})
}

func (f Func) MarshalJSON() ([]byte, error) {
	params := f.Params
	if params == nil {
		params = []string{}
	}
	return json.Marshal(struct {
		Key  Kind     `json:"$key"`
		Name string   `json:"name,omitempty"`
		Args []string `json:"args"`
		Body string   `json:"body"`
	}{KindFunction, f.Name, params, f.Body})
}

// Marshal serializes v and encodes the tagged form as JSON.
func Marshal(v any) ([]byte, error) {
	val, err := Serialize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(val)
}

// Unmarshal decodes JSON produced by Marshal and reconstructs the value.
func Unmarshal(data []byte, opts ...Option) (any, error) {
	val, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Deserialize(val, opts...)
}
