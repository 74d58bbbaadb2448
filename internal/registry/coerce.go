package registry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

// coerce converts a raw argument to the parameter's declared type.
// Strings are trimmed, dates parse as ISO-8601 UTC, durations accept
// "HH:MM:SS" or integer seconds, enums match case-insensitively.
func coerce(spec models.ParameterSpec, v any) (any, error) {
	switch spec.Type {
	case models.ParamString:
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(s), nil

	case models.ParamInt:
		return asInt(v)

	case models.ParamFloat:
		return asFloat(v)

	case models.ParamBool:
		return asBool(v)

	case models.ParamEnum:
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		for _, allowed := range spec.EnumValues {
			if strings.EqualFold(s, allowed) {
				return allowed, nil
			}
		}
		return nil, fmt.Errorf("%q is not one of [%s]", s, strings.Join(spec.EnumValues, ", "))

	case models.ParamDate:
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return parseDate(strings.TrimSpace(s))

	case models.ParamDuration:
		return parseDuration(v)

	default:
		return nil, fmt.Errorf("unsupported parameter type %q", spec.Type)
	}
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func asInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func asBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, fmt.Errorf("expected boolean, got %q", b)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
}

// parseDate accepts RFC 3339 or bare YYYY-MM-DD, always returning UTC.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%q is not an ISO-8601 date", s)
}

// parseDuration accepts "HH:MM:SS" or integer seconds.
func parseDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case string:
		s := strings.TrimSpace(d)
		parts := strings.Split(s, ":")
		if len(parts) == 3 {
			h, err1 := strconv.Atoi(parts[0])
			m, err2 := strconv.Atoi(parts[1])
			sec, err3 := strconv.Atoi(parts[2])
			if err1 != nil || err2 != nil || err3 != nil ||
				h < 0 || m < 0 || m > 59 || sec < 0 || sec > 59 {
				return 0, fmt.Errorf("%q is not a valid HH:MM:SS duration", s)
			}
			return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
		}
		secs, err := strconv.ParseInt(s, 10, 64)
		if err != nil || secs < 0 {
			return 0, fmt.Errorf("%q is not a valid duration", s)
		}
		return time.Duration(secs) * time.Second, nil
	default:
		secs, err := asInt(v)
		if err != nil {
			return 0, fmt.Errorf("expected HH:MM:SS or seconds, got %T", v)
		}
		if secs < 0 {
			return 0, fmt.Errorf("duration must not be negative")
		}
		return time.Duration(secs) * time.Second, nil
	}
}
