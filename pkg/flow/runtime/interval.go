package runtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/senseyeio/duration"
)

// IntervalVal is an SLA interval that deserializes from either a plain number
// of hours (the historical format) or an ISO-8601 duration string such as
// "PT4H". Month and year designators are rejected: an SLA budget has to be a
// fixed length of time.
type IntervalVal struct {
	d time.Duration
}

// Interval builds an IntervalVal from a time.Duration.
func Interval(d time.Duration) IntervalVal {
	return IntervalVal{d: d}
}

// Hours builds an IntervalVal from a number of hours.
func Hours(h float64) IntervalVal {
	return IntervalVal{d: time.Duration(h * float64(time.Hour))}
}

func (v IntervalVal) Duration() time.Duration {
	return v.d
}

func (v IntervalVal) InHours() float64 {
	return v.d.Hours()
}

func (v IntervalVal) IsZero() bool {
	return v.d == 0
}

func (v IntervalVal) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.d.Hours())
}

func (v *IntervalVal) UnmarshalJSON(data []byte) error {
	var hours float64
	if err := json.Unmarshal(data, &hours); err == nil {
		v.d = time.Duration(hours * float64(time.Hour))
		return nil
	}
	var iso string
	if err := json.Unmarshal(data, &iso); err != nil {
		return fmt.Errorf("interval must be a number of hours or an ISO-8601 duration string: %s", string(data))
	}
	dur, err := duration.ParseISO8601(iso)
	if err != nil {
		return fmt.Errorf("failed to parse interval %q: %w", iso, err)
	}
	if dur.Y != 0 || dur.M != 0 {
		return fmt.Errorf("interval %q uses calendar designators, only fixed-length durations are supported", iso)
	}
	base := time.Time{}
	v.d = dur.Shift(base).Sub(base)
	return nil
}
