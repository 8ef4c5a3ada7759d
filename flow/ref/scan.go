package ref

import "sort"

// Found is a reference discovered inside an input object.
type Found struct {
	Ref Reference
	// Key is the input key holding the reference.
	Key string
	// Path is the object key when the reference sits inside a map of producers.
	Path string
}

// Scan returns every reference embedded in input: bare values, array elements,
// and object values one level deep. Results are sorted by key then path so
// callers see a stable order.
func Scan(input map[string]any) []Found {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var found []Found
	for _, key := range keys {
		switch v := input[key].(type) {
		case []any:
			for _, e := range v {
				if r, ok := Decode(e); ok {
					found = append(found, Found{Ref: r, Key: key})
				}
			}
		case map[string]any:
			paths := make([]string, 0, len(v))
			for p := range v {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			for _, p := range paths {
				if r, ok := Decode(v[p]); ok {
					found = append(found, Found{Ref: r, Key: key, Path: p})
				}
			}
		default:
			if r, ok := Decode(v); ok {
				found = append(found, Found{Ref: r, Key: key})
			}
		}
	}
	return found
}

// Insert places r into the current input value and returns the new value.
// With a path the value becomes (or stays) an object keyed by path. An array
// value gets r appended unless an identical reference is already present.
// Anything else is replaced by the bare reference.
func Insert(value any, r Reference, path string) any {
	if path != "" {
		m, ok := value.(map[string]any)
		if !ok {
			m = make(map[string]any, 1)
		}
		m[path] = r
		return m
	}
	if arr, ok := value.([]any); ok {
		for _, e := range arr {
			if existing, ok := Decode(e); ok && existing == r {
				return arr
			}
		}
		return append(arr, r)
	}
	return r
}

// Remove clears r from the current input value. The second result is false
// when nothing is left and the input key should be dropped.
func Remove(value any, r Reference, path string) (any, bool) {
	switch v := value.(type) {
	case map[string]any:
		if path != "" {
			if existing, ok := Decode(v[path]); ok && existing == r {
				delete(v, path)
			}
		}
		return v, true
	case []any:
		out := v[:0:0]
		for _, e := range v {
			if existing, ok := Decode(e); ok && existing == r {
				continue
			}
			out = append(out, e)
		}
		return out, true
	}
	if existing, ok := Decode(value); ok && existing == r {
		return nil, false
	}
	return value, true
}
