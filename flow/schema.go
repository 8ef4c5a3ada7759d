package flow

import (
	"fmt"
	"sort"
)

// FieldType is the coarse JSON type of a schema field.
type FieldType string

const (
	TypeAny     FieldType = ""
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
	TypeTool    FieldType = "tool"
)

// Field declares one input or output socket.
type Field struct {
	Type        FieldType `json:"type,omitempty" yaml:"type,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Schema maps socket names to fields.
type Schema map[string]Field

// Keys returns the socket names in sorted order.
func (s Schema) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether the schema declares name. A nil schema declares nothing.
func (s Schema) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Check validates a resolved value against the field.
func (f Field) Check(v any) error {
	if v == nil {
		if f.Required {
			return fmt.Errorf("required")
		}
		return nil
	}
	ok := true
	switch f.Type {
	case TypeString:
		_, ok = v.(string)
	case TypeNumber:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		default:
			ok = false
		}
	case TypeBoolean:
		_, ok = v.(bool)
	case TypeObject:
		_, ok = v.(map[string]any)
	case TypeArray:
		_, ok = v.([]any)
	case TypeTool:
		switch t := v.(type) {
		case *Tool:
		case []any:
			for _, e := range t {
				if _, isTool := e.(*Tool); !isTool {
					ok = false
				}
			}
		default:
			ok = false
		}
	}
	if !ok {
		return fmt.Errorf("expected %s, got %T", f.Type, v)
	}
	return nil
}
