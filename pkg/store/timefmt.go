package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Layouts without an offset are read in the local zone, except a bare date,
// which is midnight UTC.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

// ParseTime reads a timestamp the way clients write them: RFC 3339 with or
// without an offset, a bare YYYY-MM-DD date, or epoch milliseconds. A missing
// value, null or "" yields nil.
func ParseTime(raw json.RawMessage) (*time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '"' {
		var ms json.Number
		if err := json.Unmarshal(raw, &ms); err != nil {
			return nil, fmt.Errorf("invalid time %s", string(raw))
		}
		n, err := ms.Int64()
		if err != nil {
			f, ferr := ms.Float64()
			if ferr != nil {
				return nil, fmt.Errorf("invalid time %s", string(raw))
			}
			n = int64(f)
		}
		t := time.UnixMilli(n)
		return &t, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return &t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return &t, nil
		}
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return &t, nil
	}
	return nil, fmt.Errorf("invalid time %q", s)
}
