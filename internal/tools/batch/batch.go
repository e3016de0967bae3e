package batch

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/teemow/unimail/internal/mailerr"
)

// ParseStringOrArray parses a parameter that can be either a single string,
// a JSON encoded array of strings or an array of strings
func ParseStringOrArray(param interface{}, paramName string) ([]string, error) {
	if param == nil {
		return nil, mailerr.InvalidArgument("%s is required", paramName)
	}

	var result []string

	switch v := param.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, mailerr.InvalidArgument("%s cannot be empty", paramName)
		}
		if arr, ok := jsonStringArray(v); ok {
			return ParseStringOrArray(arr, paramName)
		}
		result = []string{v}
	case []string:
		items := make([]interface{}, len(v))
		for i, s := range v {
			items[i] = s
		}
		return ParseStringOrArray(items, paramName)
	case []interface{}:
		if len(v) == 0 {
			return nil, mailerr.InvalidArgument("%s cannot be empty", paramName)
		}
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, mailerr.InvalidArgument("%s[%d] must be a string", paramName, i)
			}
			if strings.TrimSpace(str) == "" {
				return nil, mailerr.InvalidArgument("%s[%d] cannot be empty", paramName, i)
			}
			result = append(result, str)
		}
	default:
		return nil, mailerr.InvalidArgument("%s must be a string or array of strings", paramName)
	}

	return result, nil
}

// OptionalStringOrArray is ParseStringOrArray for optional parameters. An
// absent or empty parameter yields nil.
func OptionalStringOrArray(param interface{}, paramName string) ([]string, error) {
	switch v := param.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
	case []interface{}:
		if len(v) == 0 {
			return nil, nil
		}
	}
	return ParseStringOrArray(param, paramName)
}

func jsonStringArray(s string) ([]interface{}, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		return nil, false
	}
	var arr []interface{}
	if err := json.Unmarshal([]byte(s), &arr); err != nil {
		return nil, false
	}
	return arr, true
}

// ParseUIDs parses a parameter holding one or more message UIDs: a number,
// a numeric string, a comma separated or JSON encoded list, or an array of
// numbers or numeric strings
func ParseUIDs(param interface{}, paramName string) ([]uint32, error) {
	switch v := param.(type) {
	case nil:
		return nil, mailerr.InvalidArgument("%s is required", paramName)
	case float64, int, int64:
		uid, err := toUID(v, paramName)
		if err != nil {
			return nil, err
		}
		return []uint32{uid}, nil
	case string:
		if arr, ok := jsonStringArray(v); ok {
			return ParseUIDs(arr, paramName)
		}
		var items []interface{}
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		return ParseUIDs(items, paramName)
	case []interface{}:
		if len(v) == 0 {
			return nil, mailerr.InvalidArgument("%s cannot be empty", paramName)
		}
		uids := make([]uint32, 0, len(v))
		for i, item := range v {
			uid, err := toUID(item, paramName+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			uids = append(uids, uid)
		}
		return uids, nil
	default:
		return nil, mailerr.InvalidArgument("%s must be a number, string or array", paramName)
	}
}

func toUID(v interface{}, name string) (uint32, error) {
	var n float64
	switch x := v.(type) {
	case float64:
		n = x
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(x), 10, 32)
		if err != nil {
			return 0, mailerr.InvalidArgument("%s must be a positive integer", name)
		}
		return uint32(parsed), nil
	default:
		return 0, mailerr.InvalidArgument("%s must be a positive integer", name)
	}
	if n < 0 || n > math.MaxUint32 || n != math.Trunc(n) {
		return 0, mailerr.InvalidArgument("%s must be a positive integer", name)
	}
	return uint32(n), nil
}
