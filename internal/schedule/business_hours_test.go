package schedule

import (
	"testing"
	"time"
)

// January dates keep London on GMT so UTC == local in these tables.

func TestIsBusinessHours(t *testing.T) {
	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"monday before open", time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC), false},
		{"monday at open", time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC), true},
		{"monday midday", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), true},
		{"last second of window", time.Date(2024, 1, 1, 20, 59, 59, 0, time.UTC), true},
		{"at close", time.Date(2024, 1, 1, 21, 0, 0, 0, time.UTC), false},
		{"saturday midday allowed", time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC), true},
		{"sunday midday allowed", time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC), true},
	}

	for _, tc := range cases {
		if got := IsBusinessHours(tc.t); got != tc.want {
			t.Errorf("%s: IsBusinessHours(%v) = %v, want %v", tc.name, tc.t, got, tc.want)
		}
	}
}

func TestNextAllowedUKBusinessTime(t *testing.T) {
	cases := []struct {
		name string
		t    time.Time
		want time.Time
	}{
		{
			"before open moves to same day 06:00",
			time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
			time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC),
		},
		{
			"05:59:59 moves to 06:00:00 same day",
			time.Date(2024, 1, 1, 5, 59, 59, 0, time.UTC),
			time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC),
		},
		{
			"inside window unchanged",
			time.Date(2024, 1, 1, 12, 34, 56, 0, time.UTC),
			time.Date(2024, 1, 1, 12, 34, 56, 0, time.UTC),
		},
		{
			"20:59:59 proceeds",
			time.Date(2024, 1, 1, 20, 59, 59, 0, time.UTC),
			time.Date(2024, 1, 1, 20, 59, 59, 0, time.UTC),
		},
		{
			"21:00:00 moves to next day 06:00",
			time.Date(2024, 1, 1, 21, 0, 0, 0, time.UTC),
			time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC),
		},
		{
			"friday night rolls into saturday (all days allowed)",
			time.Date(2024, 1, 5, 22, 0, 0, 0, time.UTC),
			time.Date(2024, 1, 6, 6, 0, 0, 0, time.UTC),
		},
		{
			"saturday midday is allowed as-is",
			time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC),
			time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		got := NextAllowedUKBusinessTime(tc.t)
		if !got.Equal(tc.want) {
			t.Errorf("%s: NextAllowedUKBusinessTime(%v) = %v, want %v", tc.name, tc.t, got, tc.want)
		}
	}
}

// During BST the local window shifts: 06:00 London is 05:00 UTC.
func TestNextAllowedUKBusinessTimeBST(t *testing.T) {
	in := time.Date(2024, 7, 1, 3, 0, 0, 0, time.UTC) // 04:00 BST
	want := time.Date(2024, 7, 1, 5, 0, 0, 0, time.UTC)
	if got := NextAllowedUKBusinessTime(in); !got.Equal(want) {
		t.Errorf("BST: got %v, want %v", got, want)
	}

	// 20:30 UTC is 21:30 BST, past close.
	in = time.Date(2024, 7, 1, 20, 30, 0, 0, time.UTC)
	want = time.Date(2024, 7, 2, 5, 0, 0, 0, time.UTC)
	if got := NextAllowedUKBusinessTime(in); !got.Equal(want) {
		t.Errorf("BST after close: got %v, want %v", got, want)
	}
}

func TestHoursUntilBusinessHours(t *testing.T) {
	in := time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC)
	if got := HoursUntilBusinessHours(in); got != 2 {
		t.Errorf("HoursUntilBusinessHours = %v, want 2", got)
	}
	open := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if got := HoursUntilBusinessHours(open); got != 0 {
		t.Errorf("HoursUntilBusinessHours inside window = %v, want 0", got)
	}
}
