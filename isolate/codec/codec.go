// Package codec makes values safe to cross an isolation boundary. Errors are
// rewritten into tagged records, byte streams are replaced by a port that
// proxies them on demand, functions are dropped, and containers are copied
// so nothing is shared between the two sides.
package codec

import (
	"encoding/json"
	"io"
	"reflect"
	"time"

	"github.com/BaSui01/flowrun/flow/ref"
	"github.com/BaSui01/flowrun/isolate/port"
)

// Tags used in serialized records.
const (
	TagKey            = "tag"
	TagError          = "Error"
	TagReadableStream = "ReadableStream"
)

// Serialize returns a boundary-safe copy of v. Ports created for streams, and
// ports found in v, are appended to transfer when it is not nil.
func Serialize(v any, transfer *[]*port.Port) any {
	out, _ := serialize(v, transfer)
	return out
}

func serialize(v any, transfer *[]*port.Port) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case *port.Port:
		addTransfer(transfer, t)
		return t, true
	case error:
		return serializeError(t, transfer), true
	case io.Reader:
		p := exposeReader(t)
		addTransfer(transfer, p)
		return map[string]any{TagKey: TagReadableStream, "port": p}, true
	case map[string]any:
		if t == nil {
			return t, true
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			if s, keep := serialize(e, transfer); keep {
				out[k] = s
			}
		}
		return out, true
	case []any:
		if t == nil {
			return t, true
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i], _ = serialize(e, transfer)
		}
		return out, true
	case []byte:
		return append([]byte(nil), t...), true
	case string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64,
		time.Time, time.Duration, ref.Reference:
		return t, true
	}
	return serializeReflect(reflect.ValueOf(v), transfer)
}

func serializeReflect(rv reflect.Value, transfer *[]*port.Port) (any, bool) {
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, false
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, true
		}
		if rv.Kind() == reflect.Pointer && rv.Elem().Kind() == reflect.Struct {
			return structToGeneric(rv.Interface(), transfer)
		}
		return serialize(rv.Elem().Interface(), transfer)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return structToGeneric(rv.Interface(), transfer)
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			if s, keep := serialize(iter.Value().Interface(), transfer); keep {
				out[iter.Key().String()] = s
			}
		}
		return out, true
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, true
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i], _ = serialize(rv.Index(i).Interface(), transfer)
		}
		return out, true
	case reflect.Struct:
		return structToGeneric(rv.Interface(), transfer)
	case reflect.Bool:
		return rv.Bool(), true
	case reflect.String:
		return rv.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return nil, false
}

// structToGeneric copies a struct through its JSON form, which respects the
// type's own field tags and marshalers.
func structToGeneric(v any, transfer *[]*port.Port) (any, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, false
	}
	return serialize(generic, transfer)
}

func addTransfer(transfer *[]*port.Port, p *port.Port) {
	if transfer != nil {
		*transfer = append(*transfer, p)
	}
}

// Deserialize rebuilds errors and streams from their records. Everything
// else is copied.
func Deserialize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		switch t[TagKey] {
		case TagError:
			if msg, ok := t["message"].(string); ok {
				return deserializeError(t, msg)
			}
		case TagReadableStream:
			if p, ok := t["port"].(*port.Port); ok {
				return newRemoteStream(p)
			}
		}
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Deserialize(e)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Deserialize(e)
		}
		return out
	}
	return v
}
