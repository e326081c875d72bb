package story

import (
	"github.com/storycraft/storysync/pkg/ident"
)

// Field coercion for Entity.Set. Values arrive either typed (when one
// record's fields are copied into another's) or as the generic shapes
// encoding/json and the CBOR wire codec decode into: strings, float64 or
// integer numbers, []any, and maps keyed by string or by any. nil always
// coerces to the zero value, which is how delete clears reference fields.

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case ident.ID:
		return string(s)
	}
	return ""
}

func asID(v any) ident.ID {
	switch s := v.(type) {
	case nil:
		return ""
	case ident.ID:
		return s
	case string:
		return ident.ID(s)
	}
	return ""
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case nil:
		return 0
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asIDList(v any) []ident.ID {
	switch list := v.(type) {
	case nil:
		return nil
	case []ident.ID:
		return append([]ident.ID(nil), list...)
	case []any:
		out := make([]ident.ID, 0, len(list))
		for _, item := range list {
			if id := asID(item); id != "" {
				out = append(out, id)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}

// mapValue reads one key out of a decoded map, tolerating both the
// map[string]any produced by encoding/json and the map[any]any the CBOR
// decoder produces for nested values.
func mapValue(v any, key string) (any, bool) {
	switch m := v.(type) {
	case map[string]any:
		val, ok := m[key]
		return val, ok
	case map[any]any:
		val, ok := m[key]
		return val, ok
	}
	return nil, false
}

func asVec3(v any) Vec3 {
	switch vec := v.(type) {
	case nil:
		return Vec3{}
	case Vec3:
		return vec
	}
	var out Vec3
	if x, ok := mapValue(v, "x"); ok {
		out.X = asFloat(x)
	}
	if y, ok := mapValue(v, "y"); ok {
		out.Y = asFloat(y)
	}
	if z, ok := mapValue(v, "z"); ok {
		out.Z = asFloat(z)
	}
	return out
}

func asVec4(v any) Vec4 {
	switch vec := v.(type) {
	case nil:
		return Vec4{}
	case Vec4:
		return vec
	}
	var out Vec4
	if x, ok := mapValue(v, "x"); ok {
		out.X = asFloat(x)
	}
	if y, ok := mapValue(v, "y"); ok {
		out.Y = asFloat(y)
	}
	if z, ok := mapValue(v, "z"); ok {
		out.Z = asFloat(z)
	}
	if w, ok := mapValue(v, "w"); ok {
		out.W = asFloat(w)
	}
	return out
}

func asVec3List(v any) []Vec3 {
	switch list := v.(type) {
	case nil:
		return nil
	case []Vec3:
		return append([]Vec3(nil), list...)
	case []any:
		out := make([]Vec3, 0, len(list))
		for _, item := range list {
			out = append(out, asVec3(item))
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}
