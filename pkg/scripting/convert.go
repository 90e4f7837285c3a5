package scripting

import (
	"fmt"
	"strconv"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// floatsToDict converts a reading or position map to a Starlark dict.
func floatsToDict(m map[string]float64) *starlark.Dict {
	dict := starlark.NewDict(len(m))
	for k, v := range m {
		// SetKey cannot fail for string keys on an unfrozen dict.
		_ = dict.SetKey(starlark.String(k), starlark.Float(v))
	}
	return dict
}

// resultToStarlark converts a yield result into the dict handed back to the
// script.
func resultToStarlark(r YieldResult) *starlark.Dict {
	dict := starlark.NewDict(6)
	_ = dict.SetKey(starlark.String("status"), starlark.String(string(r.Status)))
	_ = dict.SetKey(starlark.String("run_uid"), starlark.String(r.RunUID))
	_ = dict.SetKey(starlark.String("num_events"), starlark.MakeInt(r.NumEvents))
	_ = dict.SetKey(starlark.String("reason"), starlark.String(r.Reason))
	_ = dict.SetKey(starlark.String("data"), floatsToDict(r.LastEventData))
	_ = dict.SetKey(starlark.String("positions"), floatsToDict(r.LastPositions))
	return dict
}

// scalarToString renders a script-supplied parameter value for the wire.
func scalarToString(v starlark.Value) (string, error) {
	switch val := v.(type) {
	case starlark.String:
		return string(val), nil
	case starlark.Int:
		return val.String(), nil
	case starlark.Float:
		return strconv.FormatFloat(float64(val), 'g', -1, 64), nil
	case starlark.Bool:
		if bool(val) {
			return "true", nil
		}
		return "false", nil
	default:
		return "", fmt.Errorf("unsupported parameter value type: %s", v.Type())
	}
}
