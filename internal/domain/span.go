package domain

import "time"

// Span is a calendar-flavoured duration used by waitFor. Months count as 30
// days and years as 365 days. A span must sum to a positive duration.
type Span struct {
	Seconds int `json:"seconds,omitempty"`
	Minutes int `json:"minutes,omitempty"`
	Hours   int `json:"hours,omitempty"`
	Days    int `json:"days,omitempty"`
	Weeks   int `json:"weeks,omitempty"`
	Months  int `json:"months,omitempty"`
	Years   int `json:"years,omitempty"`
}

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

// Duration returns the total duration of the span.
func (s Span) Duration() time.Duration {
	return time.Duration(s.Seconds)*time.Second +
		time.Duration(s.Minutes)*time.Minute +
		time.Duration(s.Hours)*time.Hour +
		time.Duration(s.Days)*day +
		time.Duration(s.Weeks)*week +
		time.Duration(s.Months)*month +
		time.Duration(s.Years)*year
}

// Validate returns ErrInvalidDuration unless the span sums to a positive value.
func (s Span) Validate() error {
	if s.Duration() <= 0 {
		return ErrInvalidDuration
	}
	return nil
}
