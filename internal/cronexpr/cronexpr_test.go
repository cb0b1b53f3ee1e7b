package cronexpr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/forgeq/internal/domain"
)

func TestValidate(t *testing.T) {
	valid := []string{
		"* * * * *",
		"0 9 * * *",
		"*/5 * * * *",
		"0 0 1,15 * *",
		"30 8-17 * * 1-5",
		"0 12 * * 0",
	}
	for _, expr := range valid {
		assert.True(t, Validate(expr), "expected %q to be valid", expr)
	}

	invalid := []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"not a cron",
		"* * * * * *",
	}
	for _, expr := range invalid {
		assert.False(t, Validate(expr), "expected %q to be invalid", expr)
	}
}

func TestNextSimple(t *testing.T) {
	from := time.Date(2026, 8, 24, 8, 30, 0, 0, time.UTC)

	next, err := Next("0 9 * * *", "UTC", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), next)

	// Already past today's occurrence: roll to tomorrow.
	next, err = Next("0 9 * * *", "UTC", time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC), next)
}

func TestNextEveryMinute(t *testing.T) {
	from := time.Date(2026, 8, 24, 8, 30, 15, 0, time.UTC)
	next, err := Next("* * * * *", "UTC", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 8, 31, 0, 0, time.UTC), next)
}

func TestNextInTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 9am in New York is 13:00 or 14:00 UTC depending on DST.
	from := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	next, err := Next("0 9 * * *", "America/New_York", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 10, 9, 0, 0, 0, ny), next.In(ny))
	assert.Equal(t, 14, next.UTC().Hour()) // EST = UTC-5
}

func TestNextDSTSpringForward(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// On 2026-03-08 the 02:00-03:00 hour does not exist in New York.
	from := time.Date(2026, 3, 8, 1, 0, 0, 0, ny)
	next, err := Next("30 2 * * *", "America/New_York", from)
	require.NoError(t, err)

	// The nonexistent wall-clock time must be skipped, not invented.
	assert.True(t, next.After(from))
	assert.NotEqual(t, 2, next.In(ny).Hour())
}

func TestNextDailyAcrossSpringForward(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	from := time.Date(2026, 3, 8, 0, 30, 0, 0, ny)
	next, err := Next("0 9 * * *", "America/New_York", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 8, 9, 0, 0, 0, ny), next.In(ny))
	// EDT took effect that morning: 9am local is 13:00 UTC.
	assert.Equal(t, 13, next.UTC().Hour())
}

func TestNextInvalidInputs(t *testing.T) {
	_, err := Next("bad expr", "UTC", time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidCronExpression)

	_, err = Next("* * * * *", "Not/AZone", time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidTimezone)
}

func TestValidateTimezone(t *testing.T) {
	assert.True(t, ValidateTimezone("UTC"))
	assert.True(t, ValidateTimezone("America/New_York"))
	assert.False(t, ValidateTimezone(""))
	assert.False(t, ValidateTimezone("Mars/OlympusMons"))
}
