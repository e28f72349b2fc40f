// Package canonical implements deterministic JSON canonicalization and the
// SHA-256 fingerprinting that every signed artifact in the platform is built
// on. Object keys are sorted byte-wise ascending, arrays keep their order,
// and any value that has no stable JSON form (NaN, Inf, -0, functions,
// channels, non-plain objects) is rejected so two independent
// implementations always hash the same bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ErrUnsupportedValue is returned (wrapped) for values outside the canonical
// JSON domain. Callers match on the code string.
const ErrUnsupportedValue = "UNSUPPORTED_CANONICAL_VALUE"

// UnsupportedValueError reports a value that cannot be canonicalized.
type UnsupportedValueError struct {
	Reason string
}

func (e *UnsupportedValueError) Error() string {
	return ErrUnsupportedValue + ": " + e.Reason
}

// Canonicalize validates v against the canonical JSON domain and returns the
// normalized tree: map[string]interface{}, []interface{}, string, bool, nil,
// json.Number, or a finite numeric scalar. Structs are not accepted here;
// convert them with ToValue first.
func Canonicalize(v interface{}) (interface{}, error) {
	return normalize(v, 0)
}

const maxDepth = 128

func normalize(v interface{}, depth int) (interface{}, error) {
	if depth > maxDepth {
		return nil, &UnsupportedValueError{Reason: "nesting too deep"}
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return t, nil
	case json.Number:
		return normalizeNumberString(string(t))
	case float64:
		return normalizeFloat(t)
	case float32:
		return normalizeFloat(float64(t))
	case int:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int8, int16, int32:
		return json.Number(fmt.Sprintf("%d", t)), nil
	case int64:
		return json.Number(strconv.FormatInt(t, 10)), nil
	case uint, uint8, uint16, uint32, uint64:
		return json.Number(fmt.Sprintf("%d", t)), nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			nv, err := normalize(val, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			nv, err := normalize(val, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			nv, err := normalize(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &UnsupportedValueError{Reason: "map keys must be strings"}
		}
		out := make(map[string]interface{}, rv.Len())
		for _, k := range rv.MapKeys() {
			nv, err := normalize(rv.MapIndex(k).Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[k.String()] = nv
		}
		return out, nil
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface(), depth+1)
	}
	return nil, &UnsupportedValueError{Reason: fmt.Sprintf("unsupported type %T", v)}
}

func normalizeFloat(f float64) (interface{}, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &UnsupportedValueError{Reason: "non-finite number"}
	}
	if f == 0 {
		// Collapse -0 to 0.
		return json.Number("0"), nil
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return json.Number(strconv.FormatInt(int64(f), 10)), nil
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

func normalizeNumberString(s string) (interface{}, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, &UnsupportedValueError{Reason: "unparseable number " + s}
	}
	if strings.ContainsAny(s, ".eE") {
		return normalizeFloat(f)
	}
	if s == "-0" {
		return json.Number("0"), nil
	}
	return json.Number(s), nil
}

// MarshalCanonical serializes v as canonical JSON bytes: object keys sorted
// ascending byte-wise, no insignificant whitespace, UTF-8.
func MarshalCanonical(v interface{}) ([]byte, error) {
	norm, err := normalize(v, 0)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case json.Number:
		buf.WriteString(string(t))
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return &UnsupportedValueError{Reason: fmt.Sprintf("unsupported type %T", v)}
	}
	return nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashValue canonicalizes v and returns its SHA-256 hex fingerprint.
func HashValue(v interface{}) (string, error) {
	b, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// ToValue converts any JSON-marshalable Go value (typically a struct) into
// the plain map/slice tree Canonicalize operates on. Numbers are preserved
// as json.Number so integer cent amounts survive the round trip exactly.
func ToValue(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &UnsupportedValueError{Reason: err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// HashArtifact computes the hash-over-omit-field fingerprint: v is converted
// to its plain form, the named hash field is removed, and the remainder is
// canonically hashed. This is the rule every *Hash field in the data model
// follows.
func HashArtifact(v interface{}, omitField string) (string, error) {
	val, err := ToValue(v)
	if err != nil {
		return "", err
	}
	obj, ok := val.(map[string]interface{})
	if !ok {
		return "", &UnsupportedValueError{Reason: "artifact must be a JSON object"}
	}
	delete(obj, omitField)
	return HashValue(obj)
}
