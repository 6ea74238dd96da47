package values

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/agentic-research/refract/api"
)

// ErrConvert marks a type-option conversion that cannot be performed. The
// evaluation engine treats it as a branch drop, not a fault.
var ErrConvert = errors.New("values: conversion not possible")

// Convert applies the type-option conversion matrix to a current value.
//
// Conversions to TIME_SERIES are handled by the engine (each update appends
// an event), so the target here is never TIME_SERIES. A TIME_SERIES source
// converts via its latest event, using the rules of the event's value type.
func Convert(v any, from, to api.TopicType) (any, error) {
	if from == to {
		return v, nil
	}
	if from == api.TypeTimeSeries {
		events, ok := v.([]any)
		if !ok || len(events) == 0 {
			return nil, fmt.Errorf("%w: empty time series", ErrConvert)
		}
		latest := events[len(events)-1]
		return Convert(latest, eventType(latest), to)
	}
	switch from {
	case api.TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: STRING value is %T", ErrConvert, v)
		}
		return convertString(s, to)
	case api.TypeInt64:
		n, ok := AsInt(v)
		if !ok {
			return nil, fmt.Errorf("%w: INT64 value is %T", ErrConvert, v)
		}
		switch to {
		case api.TypeString:
			return strconv.FormatInt(n, 10), nil
		case api.TypeDouble:
			return float64(n), nil
		case api.TypeJSON:
			return n, nil
		}
	case api.TypeDouble:
		f, ok := v.(float64)
		if !ok {
			if n, isInt := AsInt(v); isInt {
				f, ok = float64(n), true
			}
		}
		if !ok {
			return nil, fmt.Errorf("%w: DOUBLE value is %T", ErrConvert, v)
		}
		switch to {
		case api.TypeString:
			return strconv.FormatFloat(f, 'g', -1, 64), nil
		case api.TypeInt64:
			// Round to nearest: 12.51 becomes 13.
			return int64(math.Round(f)), nil
		case api.TypeJSON:
			return f, nil
		}
	case api.TypeJSON:
		// Only string and integer scalars can be read out of a JSON value.
		switch c := v.(type) {
		case string:
			return convertString(c, to)
		case int64:
			return Convert(c, api.TypeInt64, to)
		case int:
			return Convert(int64(c), api.TypeInt64, to)
		}
		return nil, fmt.Errorf("%w: JSON value is not a string or integer scalar", ErrConvert)
	case api.TypeBinary:
		// Binary only converts to/from time series.
		return nil, fmt.Errorf("%w: BINARY to %s", ErrConvert, to)
	}
	return nil, fmt.Errorf("%w: %s to %s", ErrConvert, from, to)
}

// ConvertibleToTimeSeries reports whether a source of type t may feed a
// TIME_SERIES target. Every supported type may: each update appends an event
// of the source's own value type.
func ConvertibleToTimeSeries(t api.TopicType) bool {
	switch t {
	case api.TypeString, api.TypeInt64, api.TypeDouble, api.TypeJSON,
		api.TypeBinary, api.TypeTimeSeries:
		return true
	}
	return false
}

// AppendEvent appends an event value to a time series value, retaining at
// most limit events (0 means unlimited).
func AppendEvent(series any, event any, limit int) []any {
	events, _ := series.([]any)
	events = append(events, event)
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

func convertString(s string, to api.TopicType) (any, error) {
	switch to {
	case api.TypeInt64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrConvert, s)
		}
		return n, nil
	case api.TypeDouble:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrConvert, s)
		}
		return f, nil
	case api.TypeJSON, api.TypeString:
		return s, nil
	}
	return nil, fmt.Errorf("%w: STRING to %s", ErrConvert, to)
}

// eventType infers the value type of a time series event from its shape.
func eventType(v any) api.TopicType {
	switch v.(type) {
	case string:
		return api.TypeString
	case int64, int:
		return api.TypeInt64
	case float64:
		return api.TypeDouble
	case []byte:
		return api.TypeBinary
	default:
		return api.TypeJSON
	}
}
