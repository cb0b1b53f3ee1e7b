// Package cronexpr evaluates 5-field cron expressions in named IANA
// timezones. Parsing and next-occurrence stepping are delegated to
// robfig/cron, which walks local wall-clock fields and therefore handles
// DST transitions (nonexistent and repeated local times) correctly.
package cronexpr

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rezkam/forgeq/internal/domain"
)

// parser accepts minute hour dom month dow with *, lists, ranges and steps.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate reports whether expr parses as a 5-field cron expression.
func Validate(expr string) bool {
	_, err := parser.Parse(expr)
	return err == nil
}

// Next returns the next occurrence of expr strictly after from, evaluated in
// the given IANA timezone. A zero from means now.
func Next(expr, tz string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", domain.ErrInvalidCronExpression, expr, err)
	}

	loc := time.UTC
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q: %v", domain.ErrInvalidTimezone, tz, err)
		}
	}

	if from.IsZero() {
		from = time.Now()
	}

	next := sched.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q has no future occurrence", domain.ErrInvalidCronExpression, expr)
	}
	return next, nil
}

// ValidateTimezone reports whether tz is a loadable IANA timezone name.
func ValidateTimezone(tz string) bool {
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}
