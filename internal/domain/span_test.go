package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpanDuration(t *testing.T) {
	tests := []struct {
		name string
		span Span
		want time.Duration
	}{
		{"seconds", Span{Seconds: 30}, 30 * time.Second},
		{"one hour", Span{Hours: 1}, time.Hour},
		{"mixed", Span{Hours: 1, Minutes: 30}, 90 * time.Minute},
		{"week", Span{Weeks: 1}, 7 * 24 * time.Hour},
		{"month is 30 days", Span{Months: 1}, 30 * 24 * time.Hour},
		{"year is 365 days", Span{Years: 1}, 365 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.span.Duration())
		})
	}
}

func TestSpanValidate(t *testing.T) {
	require.NoError(t, Span{Seconds: 1}.Validate())
	require.ErrorIs(t, Span{}.Validate(), ErrInvalidDuration)
	require.ErrorIs(t, Span{Minutes: -5}.Validate(), ErrInvalidDuration)
	// Negative components may cancel out; only the total matters.
	require.ErrorIs(t, Span{Hours: 1, Minutes: -60}.Validate(), ErrInvalidDuration)
}
