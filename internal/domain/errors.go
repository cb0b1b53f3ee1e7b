package domain

import "errors"

// Domain errors returned by backend implementations and the queue façade.

var (
	// ErrJobNotFound indicates the requested job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrWaitpointNotFound indicates the requested waitpoint does not exist.
	ErrWaitpointNotFound = errors.New("waitpoint not found")

	// ErrCronScheduleNotFound indicates the requested cron schedule does not exist.
	ErrCronScheduleNotFound = errors.New("cron schedule not found")

	// ErrCronScheduleExists indicates a schedule with the same name already exists.
	ErrCronScheduleExists = errors.New("cron schedule name already exists")

	// ErrInvalidCronExpression indicates a cron expression that does not parse.
	ErrInvalidCronExpression = errors.New("invalid cron expression")

	// ErrInvalidTimezone indicates an unknown IANA timezone name.
	ErrInvalidTimezone = errors.New("invalid timezone")

	// ErrInvalidTransition indicates the operation is not valid for the
	// job's current status (e.g. completing a job that is not processing).
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidProgress indicates a progress value outside 0..100.
	ErrInvalidProgress = errors.New("progress must be between 0 and 100")

	// ErrInvalidDuration indicates a wait span that does not sum to a
	// positive duration.
	ErrInvalidDuration = errors.New("duration must be positive")

	// ErrWaitpointNotWaiting indicates a complete on a waitpoint that is
	// already completed or timed out.
	ErrWaitpointNotWaiting = errors.New("waitpoint is not waiting")
)
