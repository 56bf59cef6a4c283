package bookout

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// FlexInt decodes a whole-dollar amount the provider may send as a number,
// a numeric string, null, or something unusable. Unusable input decodes to 0
// with Valid=false instead of failing the whole payload.
type FlexInt struct {
	Value int64
	Valid bool
}

// Int returns the value, 0 when invalid.
func (f FlexInt) Int() int64 {
	if !f.Valid {
		return 0
	}
	return f.Value
}

// UnmarshalJSON never returns an error.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	*f = FlexInt{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	switch v := raw.(type) {
	case float64:
		f.set(v)
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(v), "$"), ",", ""))
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			f.set(n)
		}
	}
	return nil
}

// safe integer range shared with JSON consumers
const maxSafeInt = 1<<53 - 1

func (f *FlexInt) set(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > maxSafeInt {
		return
	}
	f.Value = int64(math.Round(v))
	f.Valid = true
}

// MarshalJSON writes null for invalid values.
func (f FlexInt) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(f.Value, 10)), nil
}

// FlexBool decodes true/false, "true"/"yes"/"1", and 1/0. Anything else is
// false.
type FlexBool bool

// UnmarshalJSON never returns an error.
func (b *FlexBool) UnmarshalJSON(data []byte) error {
	*b = false
	var raw any
	if err := json.Unmarshal(bytes.TrimSpace(data), &raw); err != nil {
		return nil
	}
	switch v := raw.(type) {
	case bool:
		*b = FlexBool(v)
	case float64:
		*b = v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y", "1":
			*b = true
		}
	}
	return nil
}
