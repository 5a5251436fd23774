package record

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pingcap/errors"
)

// Kind identifies the type of a single field value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindBytes

	// KindMixed only appears in schemas. It marks a column that held values
	// of more than one kind, whose text is decoded without conversion.
	KindMixed Kind = 0xff
)

var kindNames = [...]string{
	KindNull:    "null",
	KindBool:    "bool",
	KindInt64:   "int64",
	KindFloat64: "float64",
	KindString:  "string",
	KindBytes:   "bytes",
}

func (k Kind) String() string {
	if k == KindMixed {
		return "mixed"
	}
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ContentType tags how the fields of a record are interpreted.
type ContentType uint8

const (
	// ArrayRecord is a flat, ordered tuple of values.
	ArrayRecord ContentType = 1
)

// Record is an ordered tuple of typed values. Fields only ever hold nil,
// bool, int64, float64, string or []byte.
type Record struct {
	Type   ContentType
	Fields []any
}

// New builds an array record, normalizing every value to one of the
// supported field types.
func New(fields ...any) (Record, error) {
	out := make([]any, len(fields))
	for i, v := range fields {
		nv, err := Normalize(v)
		if err != nil {
			return Record{}, errors.Annotatef(err, "field %d", i)
		}
		out[i] = nv
	}
	return Record{Type: ArrayRecord, Fields: out}, nil
}

// MustNew is New for values known to be valid, e.g. in tests.
func MustNew(fields ...any) Record {
	r, err := New(fields...)
	if err != nil {
		panic(err)
	}
	return r
}

// Normalize converts a Go value to its field representation.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, int64, float64, string:
		return x, nil
	case []byte:
		return bytes.Clone(x), nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return normalizeUint(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return normalizeUint(x)
	case float32:
		return float64(x), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return nil, errors.Errorf("unsupported field type %T", v)
	}
}

func normalizeUint(v uint64) (any, error) {
	if v > math.MaxInt64 {
		return nil, errors.Errorf("unsigned value %d overflows int64", v)
	}
	return int64(v), nil
}

// KindOf reports the kind of a normalized field value.
func KindOf(v any) Kind {
	switch v.(type) {
	case bool:
		return KindBool
	case int64:
		return KindInt64
	case float64:
		return KindFloat64
	case string:
		return KindString
	case []byte:
		return KindBytes
	default:
		return KindNull
	}
}

// Schema returns the kinds of the record's fields, in order.
func (r Record) Schema() []Kind {
	kinds := make([]Kind, len(r.Fields))
	for i, v := range r.Fields {
		kinds[i] = KindOf(v)
	}
	return kinds
}

// ObserveSchema folds r's kinds into schema and returns the result. The
// schema grows to the widest record seen. Null fields leave a column's kind
// alone; a column seen with two different kinds becomes KindMixed.
func ObserveSchema(schema []Kind, r Record) []Kind {
	for i, v := range r.Fields {
		k := KindOf(v)
		if i >= len(schema) {
			schema = append(schema, k)
			continue
		}
		switch {
		case k == KindNull || schema[i] == k || schema[i] == KindMixed:
		case schema[i] == KindNull:
			schema[i] = k
		default:
			schema[i] = KindMixed
		}
	}
	return schema
}

// String returns the canonical text encoding without the record delimiter.
func (r Record) String() string {
	return string(AppendText(nil, r))
}

// Equal reports whether two records hold the same content type and values.
func (r Record) Equal(o Record) bool {
	if r.Type != o.Type || len(r.Fields) != len(o.Fields) {
		return false
	}
	for i := range r.Fields {
		if KindOf(r.Fields[i]) != KindOf(o.Fields[i]) || Compare(r.Fields[i], o.Fields[i]) != 0 {
			return false
		}
	}
	return true
}

// Compare orders two field values. Kinds are ranked null, bool, numbers,
// string, bytes; int64 and float64 compare numerically with each other.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case string:
		return strings.Compare(x, b.(string))
	case []byte:
		return bytes.Compare(x, b.([]byte))
	}
	// numeric
	if ia, ok := a.(int64); ok {
		if ib, ok := b.(int64); ok {
			return cmpInt(ia, ib)
		}
	}
	fa, fb := toFloat(a), toFloat(b)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	case math.IsNaN(fa) && !math.IsNaN(fb):
		return -1
	case !math.IsNaN(fa) && math.IsNaN(fb):
		return 1
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

func cmpInt[T int | int64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
