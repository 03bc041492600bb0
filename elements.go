package ixmp

import (
	"fmt"
	"strconv"
)

// Input normalization for the Scenario convenience methods. Callers hand
// keys in several shapes (single strings, flat lists, key tuples) and
// values either per key or as a scalar to broadcast; everything is
// reduced to []Element in canonical form before it reaches the backend,
// so shape errors surface as validation errors without touching the
// engine.

// anyToString renders a key or filter component. Numeric components are
// rendered in their shortest form so 2020 and "2020" address the same
// set element.
func anyToString(v interface{}) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return "", WithContext(ErrInvalidData, map[string]interface{}{
		"value":  v,
		"reason": "cannot render value as a key component",
	})
}

// normalizeKeys reduces the accepted key shapes to a list of key tuples
// for an item of the given dimensionality:
//
//   - nil for a 0-dimensional (scalar) item: one element with no key
//   - a single string: one 1-dimensional key
//   - a flat []string: for a 1-dimensional item, one key per entry; for
//     an N-dimensional item a flat list of length N is one key tuple
//   - [][]string: one key tuple per entry
//
// The flat-list rule favors the key-tuple reading: for a 2-dimensional
// item, []string{"a", "b"} is the single key (a, b), not two keys.
func normalizeKeys(dims int, raw interface{}) ([][]string, error) {
	switch x := raw.(type) {
	case nil:
		if dims != 0 {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"dimensions": dims,
				"reason":     "missing keys for a dimensioned item",
			})
		}
		return [][]string{nil}, nil
	case string:
		if dims != 1 {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"key":        x,
				"dimensions": dims,
				"reason":     "single key component for a multi-dimensional item",
			})
		}
		return [][]string{{x}}, nil
	case []string:
		if dims == 1 {
			out := make([][]string, len(x))
			for i, k := range x {
				out[i] = []string{k}
			}
			return out, nil
		}
		if len(x) == dims {
			return [][]string{append([]string(nil), x...)}, nil
		}
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"key":        x,
			"dimensions": dims,
			"reason":     "flat key list length must match item dimensionality",
		})
	case [][]string:
		out := make([][]string, len(x))
		for i, k := range x {
			out[i] = append([]string(nil), k...)
		}
		return out, nil
	case []interface{}:
		// Mixed-type flat list; render components and retry
		flat := make([]string, len(x))
		for i, v := range x {
			s, err := anyToString(v)
			if err != nil {
				return nil, err
			}
			flat[i] = s
		}
		return normalizeKeys(dims, flat)
	}
	return nil, WithContext(ErrInvalidData, map[string]interface{}{
		"keys":   raw,
		"reason": "unsupported key shape",
	})
}

// broadcastFloats aligns values with keys. A single scalar broadcasts
// across every key; a slice must match the key count exactly, including
// a slice of length one.
func broadcastFloats(n int, raw interface{}, field string) ([]*float64, error) {
	switch x := raw.(type) {
	case nil:
		return make([]*float64, n), nil
	case float64:
		out := make([]*float64, n)
		for i := range out {
			v := x
			out[i] = &v
		}
		return out, nil
	case int:
		return broadcastFloats(n, float64(x), field)
	case []float64:
		if len(x) != n {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"field":  field,
				"got":    len(x),
				"want":   n,
				"reason": "value list length must match key count",
			})
		}
		out := make([]*float64, n)
		for i := range x {
			v := x[i]
			out[i] = &v
		}
		return out, nil
	}
	return nil, WithContext(ErrInvalidData, map[string]interface{}{
		"field":  field,
		"value":  raw,
		"reason": "expected a number or a list of numbers",
	})
}

// broadcastStrings aligns units or comments with keys, with the same
// scalar-broadcast rule as broadcastFloats
func broadcastStrings(n int, raw interface{}, field string) ([]*string, error) {
	switch x := raw.(type) {
	case nil:
		return make([]*string, n), nil
	case string:
		out := make([]*string, n)
		for i := range out {
			v := x
			out[i] = &v
		}
		return out, nil
	case []string:
		if len(x) != n {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"field":  field,
				"got":    len(x),
				"want":   n,
				"reason": "list length must match key count",
			})
		}
		out := make([]*string, n)
		for i := range x {
			v := x[i]
			out[i] = &v
		}
		return out, nil
	}
	return nil, WithContext(ErrInvalidData, map[string]interface{}{
		"field":  field,
		"value":  raw,
		"reason": "expected a string or a list of strings",
	})
}

// buildElements assembles canonical elements from normalized keys and
// the raw value/unit/comment inputs
func buildElements(keys [][]string, values, units, comments interface{}) ([]Element, error) {
	n := len(keys)
	vals, err := broadcastFloats(n, values, "values")
	if err != nil {
		return nil, err
	}
	us, err := broadcastStrings(n, units, "units")
	if err != nil {
		return nil, err
	}
	cs, err := broadcastStrings(n, comments, "comments")
	if err != nil {
		return nil, err
	}
	out := make([]Element, n)
	for i := range keys {
		out[i] = Element{
			Key:     keys[i],
			Value:   vals[i],
			Unit:    us[i],
			Comment: cs[i],
		}
	}
	return out, nil
}

// toStringFilters renders a loosely-typed filter mapping into the
// string-form mapping backends take. Values may be a single component or
// a list.
func toStringFilters(filters map[string]interface{}) (map[string][]string, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	out := make(map[string][]string, len(filters))
	for dim, raw := range filters {
		switch x := raw.(type) {
		case []string:
			out[dim] = append([]string(nil), x...)
		case []interface{}:
			vals := make([]string, len(x))
			for i, v := range x {
				s, err := anyToString(v)
				if err != nil {
					return nil, err
				}
				vals[i] = s
			}
			out[dim] = vals
		default:
			s, err := anyToString(raw)
			if err != nil {
				return nil, err
			}
			out[dim] = []string{s}
		}
	}
	return out, nil
}
