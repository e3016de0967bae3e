package common

import (
	"math"
	"strconv"
	"strings"

	"github.com/teemow/unimail/internal/mailerr"
)

// StringArg returns a string argument, or "" when absent
func StringArg(args map[string]interface{}, name string) (string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", mailerr.InvalidArgument("%s must be a string", name)
	}
	return s, nil
}

// RequiredString returns a non-blank string argument
func RequiredString(args map[string]interface{}, name string) (string, error) {
	s, err := StringArg(args, name)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", mailerr.InvalidArgument("%s is required", name)
	}
	return s, nil
}

// IntArg returns an integer argument, or def when absent. JSON numbers
// arrive as float64; numeric strings are accepted too. Values must fit in
// 32 bits.
func IntArg(args map[string]interface{}, name string, def int) (int, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return def, nil
	}
	var n float64
	switch x := v.(type) {
	case float64:
		n = x
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 32)
		if err != nil {
			return 0, mailerr.InvalidArgument("%s must be an integer between %d and %d", name, math.MinInt32, math.MaxInt32)
		}
		return int(i), nil
	default:
		return 0, mailerr.InvalidArgument("%s must be an integer", name)
	}
	if n != math.Trunc(n) || n < math.MinInt32 || n > math.MaxInt32 {
		return 0, mailerr.InvalidArgument("%s must be an integer between %d and %d", name, math.MinInt32, math.MaxInt32)
	}
	return int(n), nil
}

// Uint32Arg returns an unsigned 32-bit argument such as a UID or
// UIDVALIDITY, or 0 when absent
func Uint32Arg(args map[string]interface{}, name string) (uint32, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return 0, nil
	}
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
			return 0, mailerr.InvalidArgument("%s must be an integer between 0 and %d", name, uint32(math.MaxUint32))
		}
		return uint32(parsed), nil
	default:
		return 0, mailerr.InvalidArgument("%s must be an integer", name)
	}
	if n != math.Trunc(n) || n < 0 || n > math.MaxUint32 {
		return 0, mailerr.InvalidArgument("%s must be an integer between 0 and %d", name, uint32(math.MaxUint32))
	}
	return uint32(n), nil
}

// BoolArg returns a boolean argument, or def when absent
func BoolArg(args map[string]interface{}, name string, def bool) (bool, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, mailerr.InvalidArgument("%s must be a boolean", name)
		}
		return parsed, nil
	default:
		return false, mailerr.InvalidArgument("%s must be a boolean", name)
	}
}

// RequiredBool returns a boolean argument that must be present
func RequiredBool(args map[string]interface{}, name string) (bool, error) {
	if v, ok := args[name]; !ok || v == nil {
		return false, mailerr.InvalidArgument("%s is required", name)
	}
	return BoolArg(args, name, false)
}
