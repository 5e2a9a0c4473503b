package arraystore

import (
	"fmt"
	"strconv"

	"stemflow/internal/services"
)

// Known attribute keys. Any other key is accepted as free-form metadata.
const (
	AttrScanI          = "scan_i"
	AttrScanJ          = "scan_j"
	AttrDetectorI      = "dp_i"
	AttrDetectorJ      = "dp_j"
	AttrIsFlipped      = "is_flipped"
	AttrCreationTime   = "creation_time"
	AttrFormatVersion  = "format_version"
	AttrVoltage        = "accelerating_voltage"
	AttrCameraLength   = "camera_length"
	AttrReciprocalStep = "reciprocal_step"
	AttrScanRotation   = "scan_rotation"
	AttrSource         = "source"
)

// ValueKind identifies the type carried by a Value.
type ValueKind string

const (
	KindInt    ValueKind = "int"
	KindFloat  ValueKind = "float"
	KindString ValueKind = "string"
	KindBool   ValueKind = "bool"
)

var knownKinds = map[string]ValueKind{
	AttrScanI:          KindInt,
	AttrScanJ:          KindInt,
	AttrDetectorI:      KindInt,
	AttrDetectorJ:      KindInt,
	AttrIsFlipped:      KindBool,
	AttrCreationTime:   KindString,
	AttrFormatVersion:  KindString,
	AttrVoltage:        KindFloat,
	AttrCameraLength:   KindFloat,
	AttrReciprocalStep: KindFloat,
	AttrScanRotation:   KindFloat,
	AttrSource:         KindString,
}

// Value is a typed attribute value.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	s    string
	b    bool
}

func Int(v int64) Value         { return Value{kind: KindInt, i: v} }
func Float(v float64) Value     { return Value{kind: KindFloat, f: v} }
func String(v string) Value     { return Value{kind: KindString, s: v} }
func Bool(v bool) Value         { return Value{kind: KindBool, b: v} }
func (v Value) Kind() ValueKind { return v.kind }

// AsInt returns the integer payload.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the float payload; integers are widened.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// Any returns the payload as a plain Go value, for JSON rendering.
func (v Value) Any() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	default:
		return v.s
	}
}

// String renders the payload for display and storage.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return v.s
	}
}

func parseValue(kind ValueKind, raw string) (Value, error) {
	switch kind {
	case KindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, err
		}
		return Int(n), nil
	case KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, err
		}
		return Float(f), nil
	case KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case KindString:
		return String(raw), nil
	default:
		return Value{}, fmt.Errorf("unknown attribute kind %q", kind)
	}
}

// CheckAttribute rejects values whose kind contradicts a known key.
func CheckAttribute(key string, v Value) error {
	if key == "" {
		return services.Wrap(services.ErrValidation, "array-store", "attribute", "empty key", nil)
	}
	if v.kind == "" {
		return services.Wrap(services.ErrValidation, "array-store", "attribute", "untyped value for "+key, nil)
	}
	want, known := knownKinds[key]
	if !known || want == v.kind {
		return nil
	}
	// Integral values are acceptable where a float is expected.
	if want == KindFloat && v.kind == KindInt {
		return nil
	}
	return services.Wrap(services.ErrValidation, "array-store", "attribute",
		fmt.Sprintf("%s must be %s, got %s", key, want, v.kind), nil)
}

// Attributes is an insertion-ordered attribute map.
type Attributes struct {
	keys   []string
	values map[string]Value
}

// NewAttributes returns an empty attribute map.
func NewAttributes() *Attributes {
	return &Attributes{values: make(map[string]Value)}
}

// Set inserts or replaces key, keeping the original position on replace.
func (a *Attributes) Set(key string, v Value) {
	if a.values == nil {
		a.values = make(map[string]Value)
	}
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = v
}

func (a *Attributes) Get(key string) (Value, bool) {
	if a == nil {
		return Value{}, false
	}
	v, ok := a.values[key]
	return v, ok
}

// Int returns key as an integer when present with that kind.
func (a *Attributes) Int(key string) (int64, bool) {
	v, ok := a.Get(key)
	if !ok {
		return 0, false
	}
	return v.AsInt()
}

func (a *Attributes) Delete(key string) bool {
	if a == nil {
		return false
	}
	if _, ok := a.values[key]; !ok {
		return false
	}
	delete(a.values, key)
	for i, k := range a.keys {
		if k == key {
			a.keys = append(a.keys[:i], a.keys[i+1:]...)
			break
		}
	}
	return true
}

// Keys returns the keys in insertion order.
func (a *Attributes) Keys() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.keys...)
}

func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Map flattens the attributes for JSON payloads.
func (a *Attributes) Map() map[string]any {
	out := make(map[string]any, a.Len())
	for _, k := range a.Keys() {
		out[k] = a.values[k].Any()
	}
	return out
}
