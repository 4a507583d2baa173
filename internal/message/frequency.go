package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidFrequency = errors.New("invalid frequency cap")

const Day = 24 * time.Hour

// FrequencyCap limits how often a message (or a category) may be shown.
//
//	{"lifetime": 3, "custom": [{"period": "daily", "cap": 200}]}
type FrequencyCap struct {
	Lifetime int      `json:"lifetime,omitempty"`
	Custom   []Window `json:"custom,omitempty"`
}

// Window is a trailing window with its impression limit.
type Window struct {
	Period Period `json:"period"`
	Cap    int    `json:"cap"`
}

// Empty reports whether the cap imposes no limit at all.
func (f *FrequencyCap) Empty() bool {
	return f == nil || (f.Lifetime <= 0 && len(f.Custom) == 0)
}

func (f *FrequencyCap) Validate() error {
	if f == nil {
		return nil
	}
	if f.Lifetime < 0 {
		return fmt.Errorf("%w: lifetime must be >= 0", ErrInvalidFrequency)
	}
	for i, w := range f.Custom {
		if w.Period <= 0 {
			return fmt.Errorf("%w: custom[%d].period must be > 0", ErrInvalidFrequency, i)
		}
		if w.Cap <= 0 {
			return fmt.Errorf("%w: custom[%d].cap must be > 0", ErrInvalidFrequency, i)
		}
	}
	return nil
}

// MaxWindow returns the longest custom window, or 0 without custom windows.
func (f *FrequencyCap) MaxWindow() time.Duration {
	if f == nil {
		return 0
	}
	var m time.Duration
	for _, w := range f.Custom {
		if d := w.Period.Duration(); d > m {
			m = d
		}
	}
	return m
}

// Period is a window length. JSON accepts "daily", "hourly", a Go duration
// string ("6h") or an integer number of milliseconds.
type Period time.Duration

func (p Period) Duration() time.Duration { return time.Duration(p) }

func (p Period) MarshalJSON() ([]byte, error) {
	switch time.Duration(p) {
	case Day:
		return []byte(`"daily"`), nil
	case time.Hour:
		return []byte(`"hourly"`), nil
	}
	return []byte(strconv.FormatInt(time.Duration(p).Milliseconds(), 10)), nil
}

func (p *Period) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		ms, err := n.Int64()
		if err != nil {
			return fmt.Errorf("%w: period %s", ErrInvalidFrequency, n)
		}
		*p = Period(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: period must be a string or number", ErrInvalidFrequency)
	}
	d, err := ParsePeriod(s)
	if err != nil {
		return err
	}
	*p = Period(d)
	return nil
}

func ParsePeriod(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "daily", "day":
		return Day, nil
	case "hourly", "hour":
		return time.Hour, nil
	case "weekly", "week":
		return 7 * Day, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: period %q", ErrInvalidFrequency, s)
	}
	return d, nil
}
