package runtime

import (
	"fmt"

	"github.com/risor-io/risor/object"
)

// toObject converts a Go value into a Risor object. Unknown types are
// rendered as strings.
func toObject(v any) object.Object {
	switch val := v.(type) {
	case nil:
		return object.Nil
	case object.Object:
		return val
	case string:
		return object.NewString(val)
	case bool:
		return object.NewBool(val)
	case int:
		return object.NewInt(int64(val))
	case int32:
		return object.NewInt(int64(val))
	case int64:
		return object.NewInt(val)
	case float32:
		return object.NewFloat(float64(val))
	case float64:
		return object.NewFloat(val)
	case []byte:
		return object.NewString(string(val))
	case map[string]any:
		m := make(map[string]object.Object, len(val))
		for k, item := range val {
			m[k] = toObject(item)
		}
		return object.NewMap(m)
	case map[string]string:
		m := make(map[string]object.Object, len(val))
		for k, item := range val {
			m[k] = object.NewString(item)
		}
		return object.NewMap(m)
	case []any:
		items := make([]object.Object, len(val))
		for i, item := range val {
			items[i] = toObject(item)
		}
		return object.NewList(items)
	case []string:
		items := make([]object.Object, len(val))
		for i, item := range val {
			items[i] = object.NewString(item)
		}
		return object.NewList(items)
	default:
		return object.NewString(fmt.Sprintf("%v", val))
	}
}

// fromObject converts a Risor object into plain Go values: string, int64,
// float64, bool, map[string]any, []any or nil. Other objects are returned as
// their inspected string form.
func fromObject(obj object.Object) any {
	switch val := obj.(type) {
	case nil, *object.NilType:
		return nil
	case *object.String:
		return val.Value()
	case *object.Int:
		return val.Value()
	case *object.Float:
		return val.Value()
	case *object.Bool:
		return val.Value()
	case *object.Map:
		src := val.Value()
		out := make(map[string]any, len(src))
		for k, item := range src {
			out[k] = fromObject(item)
		}
		return out
	case *object.List:
		src := val.Value()
		out := make([]any, len(src))
		for i, item := range src {
			out[i] = fromObject(item)
		}
		return out
	default:
		return obj.Inspect()
	}
}

func extractMap(obj object.Object) (map[string]object.Object, error) {
	m, ok := obj.(*object.Map)
	if !ok {
		return nil, fmt.Errorf("expected map, got %s", typeName(obj))
	}
	return m.Value(), nil
}

func getString(m map[string]object.Object, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	if s, ok := v.(*object.String); ok {
		return s.Value()
	}
	return ""
}

func getStrings(m map[string]object.Object, key string) ([]string, error) {
	v, ok := m[key]
	if !ok {
		return nil, nil
	}
	list, ok := v.(*object.List)
	if !ok {
		return nil, fmt.Errorf("%s: expected list, got %s", key, typeName(v))
	}
	items := list.Value()
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(*object.String)
		if !ok {
			return nil, fmt.Errorf("%s: expected list of strings, got %s", key, typeName(item))
		}
		out = append(out, s.Value())
	}
	return out, nil
}

func typeName(obj object.Object) string {
	if obj == nil {
		return "nil"
	}
	return string(obj.Type())
}
