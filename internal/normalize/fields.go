package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// flexString accepts a JSON string or number. Gateways disagree on whether
// ids and ports are numeric.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string { return string(f) }

// flexTime accepts RFC3339 strings, "2006-01-02 15:04:05" (UTC) and unix
// epochs in seconds, milliseconds, microseconds or nanoseconds. Unparseable values leave it unset instead of
// failing the decode, so the caller can fall back to ingestion time.
type flexTime struct {
	t  time.Time
	ok bool
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return nil
		}
		f.t, f.ok = parseTimeString(str)
		return nil
	}
	f.t, f.ok = parseUnix(s)
	return nil
}

func (f flexTime) get() (time.Time, bool) { return f.t, f.ok }

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return parseUnix(s)
}

// parseUnix reads an integer epoch exactly and falls back to a float for
// fractional values.
func parseUnix(s string) (time.Time, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromUnixInt(n)
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || n <= 0 || n >= math.MaxInt64 {
		return time.Time{}, false
	}
	return fromUnixInt(int64(n))
}

// fromUnixInt picks the unit from the magnitude: seconds below 1e12, then
// milliseconds, microseconds and nanoseconds.
func fromUnixInt(n int64) (time.Time, bool) {
	switch {
	case n <= 0:
		return time.Time{}, false
	case n < 1e12:
		return time.Unix(n, 0).UTC(), true
	case n < 1e15:
		return time.UnixMilli(n).UTC(), true
	case n < 1e18:
		return time.UnixMicro(n).UTC(), true
	default:
		return time.Unix(0, n).UTC(), true
	}
}

// parseTimeWithFormat is used by declared profiles that pin a format.
func parseTimeWithFormat(raw json.RawMessage, format string) (time.Time, bool) {
	var ft flexTime
	switch format {
	case "", "auto", "rfc3339":
		_ = ft.UnmarshalJSON(raw)
		return ft.get()
	case "unix", "unixms":
		var s flexString
		if err := s.UnmarshalJSON(raw); err != nil {
			return time.Time{}, false
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s.String()), 10, 64)
		if err != nil || n <= 0 {
			return time.Time{}, false
		}
		if format == "unixms" {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	default:
		return time.Time{}, false
	}
}
