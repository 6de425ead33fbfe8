package job

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseRecordTime reads a record time encoded as a JSON number or string in
// the given format. Unknown formats are treated as Go time layouts.
func ParseRecordTime(raw json.RawMessage, format string) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return time.Time{}, err
		}
		s = n.String()
	}
	s = strings.TrimSpace(s)

	switch format {
	case TimeFormatEpoch, "":
		return parseEpoch(s)
	case TimeFormatEpochMs:
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	case TimeFormatRFC3339:
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	default:
		t, err := time.Parse(format, s)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}
}

// parseEpoch reads decimal seconds without going through a float so
// sub-second digits survive exactly.
func parseEpoch(s string) (time.Time, error) {
	whole, frac, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		if nsec, err = strconv.ParseInt(frac, 10, 64); err != nil || nsec < 0 {
			return time.Time{}, fmt.Errorf("invalid fractional seconds %q", s)
		}
		for i := len(frac); i < 9; i++ {
			nsec *= 10
		}
	}
	return time.Unix(sec, nsec).UTC(), nil
}
