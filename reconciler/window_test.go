package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWindow_Formats(t *testing.T) {
	utc := time.UTC
	want := time.Date(2026, 4, 10, 9, 30, 0, 0, utc)

	tests := []struct {
		name  string
		start string
	}{
		{"rfc3339", "2026-04-10T09:30:00Z"},
		{"rfc3339 fraction", "2026-04-10T09:30:00.000Z"},
		{"seconds", "2026-04-10T09:30:00"},
		{"minutes", "2026-04-10T09:30"},
		{"space seconds", "2026-04-10 09:30:00"},
		{"space minutes", "2026-04-10 09:30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ParseWindow(tt.start, "2026-04-10T18:00:00Z", utc)
			require.NoError(t, err)
			assert.False(t, w.Daily)
			assert.True(t, want.Equal(w.Start), "got %s", w.Start)
		})
	}
}

func TestParseWindow_Offset(t *testing.T) {
	w, err := ParseWindow("2026-04-10T09:00:00+02:00", "2026-04-10T10:00:00+02:00", time.UTC)
	require.NoError(t, err)
	assert.True(t, w.Start.Equal(time.Date(2026, 4, 10, 7, 0, 0, 0, time.UTC)))
}

func TestParseWindow_Errors(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		want       error
	}{
		{"empty start", "", "10:00", ErrEmptyBound},
		{"empty end", "10:00", " ", ErrEmptyBound},
		{"mixed", "10:00", "2026-04-10T10:00:00Z", ErrMixedWindow},
		{"reversed", "2026-04-10T10:00:00Z", "2026-04-10T09:00:00Z", ErrEmptyRange},
		{"zero length", "2026-04-10T10:00:00Z", "2026-04-10T10:00:00Z", ErrEmptyRange},
		{"garbage", "tomorrow", "10:00", nil},
		{"not available", "N/A", "N/A", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWindow(tt.start, tt.end, time.UTC)
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestWindow_EvaluateAbsolute(t *testing.T) {
	t0 := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	w, err := ParseWindow(t0.Format(time.RFC3339), t0.Add(time.Hour).Format(time.RFC3339), time.UTC)
	require.NoError(t, err)

	tests := []struct {
		at   time.Time
		want PhaseKind
	}{
		{t0.Add(-5 * time.Minute), PhaseBefore},
		{t0, PhaseInside},
		{t0.Add(30 * time.Minute), PhaseInside},
		{t0.Add(time.Hour), PhaseAfter},
		{t0.Add(61 * time.Minute), PhaseAfter},
	}
	for _, tt := range tests {
		p := w.Evaluate(tt.at)
		assert.Equal(t, tt.want, p.Kind, "at %s", tt.at)
		assert.True(t, t0.Equal(p.Occurrence))
	}
}

func TestWindow_EvaluateDaily(t *testing.T) {
	day := func(d, h, m int) time.Time { return time.Date(2026, 4, d, h, m, 0, 0, time.UTC) }

	t.Run("same day", func(t *testing.T) {
		w, err := ParseWindow("01:00", "05:00", time.UTC)
		require.NoError(t, err)
		require.True(t, w.Daily)

		tests := []struct {
			at   time.Time
			kind PhaseKind
			occ  time.Time
		}{
			{day(10, 0, 30), PhaseAfter, day(9, 1, 0)},
			{day(10, 1, 0), PhaseInside, day(10, 1, 0)},
			{day(10, 4, 59), PhaseInside, day(10, 1, 0)},
			{day(10, 5, 0), PhaseAfter, day(10, 1, 0)},
			{day(10, 23, 0), PhaseAfter, day(10, 1, 0)},
		}
		for _, tt := range tests {
			p := w.Evaluate(tt.at)
			assert.Equal(t, tt.kind, p.Kind, "at %s", tt.at)
			assert.True(t, tt.occ.Equal(p.Occurrence), "at %s got %s", tt.at, p.Occurrence)
		}
	})

	t.Run("wraps midnight", func(t *testing.T) {
		w, err := ParseWindow("22:00", "06:00", time.UTC)
		require.NoError(t, err)

		tests := []struct {
			at   time.Time
			kind PhaseKind
			occ  time.Time
		}{
			{day(10, 21, 59), PhaseAfter, day(9, 22, 0)},
			{day(10, 22, 0), PhaseInside, day(10, 22, 0)},
			{day(11, 3, 0), PhaseInside, day(10, 22, 0)},
			{day(11, 6, 0), PhaseAfter, day(10, 22, 0)},
			{day(11, 12, 0), PhaseAfter, day(10, 22, 0)},
		}
		for _, tt := range tests {
			p := w.Evaluate(tt.at)
			assert.Equal(t, tt.kind, p.Kind, "at %s", tt.at)
			assert.True(t, tt.occ.Equal(p.Occurrence), "at %s got %s", tt.at, p.Occurrence)
		}
	})

	t.Run("other zone", func(t *testing.T) {
		loc := time.FixedZone("UTC+2", 2*60*60)
		w, err := ParseWindow("09:00", "10:00", loc)
		require.NoError(t, err)

		p := w.Evaluate(time.Date(2026, 4, 10, 7, 30, 0, 0, time.UTC))
		assert.Equal(t, PhaseInside, p.Kind)
	})
}

func TestWindow_String(t *testing.T) {
	w, err := ParseWindow("22:00", "06:00:30", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "daily 22:00:00-06:00:30", w.String())
}
