package codemode

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// SerializeReturnValue renders an arbitrary Go value returned from a
// script evaluation as printable text. nil and nil pointers/maps/slices
// become "[undefined]", time.Time "[Date: <RFC 3339>]", []byte
// "[Uint8Array: length N]", funcs "[Function: anonymous]", and a pointer,
// map or slice already visited "[Circular: <path>]". Errors become a
// {"__type":"Error",name,message} object (no stack) and maps a
// {"__type":"Map",entries} object whose keys and values are strings;
// slices are JSON arrays of their serialized elements, and anything else
// is plain JSON. There are no BigInt, Symbol, RegExp or Set placeholders.
func SerializeReturnValue(v any) string {
	seen := make(map[uintptr]string)
	return serializeValue(v, seen, "$")
}

func serializeValue(v any, seen map[uintptr]string, path string) string {
	if v == nil {
		return "[undefined]"
	}

	switch val := v.(type) {
	case time.Time:
		return fmt.Sprintf("[Date: %s]", val.UTC().Format(time.RFC3339Nano))
	case error:
		b, _ := json.Marshal(map[string]any{
			"__type":  "Error",
			"name":    reflect.TypeOf(val).String(),
			"message": val.Error(),
		})
		return string(b)
	case []byte:
		return fmt.Sprintf("[Uint8Array: length %d]", len(val))
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		name := runtimeFuncName(rv)
		if name == "" {
			name = "anonymous"
		}
		return fmt.Sprintf("[Function: %s]", name)

	case reflect.Ptr, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return "[undefined]"
		}
		if rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice {
			addr := rv.Pointer()
			if addr != 0 {
				if existingPath, ok := seen[addr]; ok {
					return fmt.Sprintf("[Circular: %s]", existingPath)
				}
				seen[addr] = path
			}
		}
		return serializeContainer(v, rv, seen, path)

	case reflect.Struct:
		return serializeContainer(v, rv, seen, path)

	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func serializeContainer(v any, rv reflect.Value, seen map[uintptr]string, path string) string {
	switch rv.Kind() {
	case reflect.Map:
		entries := make([]map[string]string, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			entries = append(entries, map[string]string{
				"key":   fmt.Sprintf("%v", iter.Key().Interface()),
				"value": serializeValue(iter.Value().Interface(), seen, path+"."+fmt.Sprintf("%v", iter.Key().Interface())),
			})
		}
		b, _ := json.Marshal(map[string]any{"__type": "Map", "entries": entries})
		return string(b)

	case reflect.Slice, reflect.Array:
		out := make([]json.RawMessage, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = json.RawMessage(serializeValue(rv.Index(i).Interface(), seen, fmt.Sprintf("%s[%d]", path, i)))
		}
		b, _ := json.Marshal(out)
		return string(b)

	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func runtimeFuncName(rv reflect.Value) string {
	if rv.IsNil() {
		return ""
	}
	return "" // Go reflection cannot recover a meaningful script-level name; emitted as anonymous.
}
