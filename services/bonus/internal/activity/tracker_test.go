package activity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextStreak(t *testing.T) {
	now := time.Date(2024, 6, 15, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		lastDay string
		count   int
		want    int
	}{
		{name: "first login", want: 1},
		{name: "same day", lastDay: "2024-06-15", count: 4, want: 4},
		{name: "consecutive", lastDay: "2024-06-14", count: 4, want: 5},
		{name: "missed a day", lastDay: "2024-06-13", count: 4, want: 1},
		{name: "same day without count", lastDay: "2024-06-15", want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextStreak(tt.lastDay, tt.count, now))
		})
	}
}

func TestMemoryTrackerStreak(t *testing.T) {
	tracker := NewMemoryTracker()
	ctx := context.Background()
	day := time.Date(2024, 6, 1, 23, 30, 0, 0, time.UTC)

	for i, want := range []int{1, 2, 3} {
		days, err := tracker.RecordLogin(ctx, "user-1", day.AddDate(0, 0, i))
		require.NoError(t, err)
		assert.Equal(t, want, days)
	}

	// Second login the same day keeps the streak
	days, err := tracker.RecordLogin(ctx, "user-1", day.AddDate(0, 0, 2).Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, days)

	days, err = tracker.RecordLogin(ctx, "user-1", day.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, days)

	days, err = tracker.RecordLogin(ctx, "user-2", day)
	require.NoError(t, err)
	assert.Equal(t, 1, days)
}

func TestMemoryTrackerTouch(t *testing.T) {
	tracker := NewMemoryTracker()
	ctx := context.Background()
	first := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	prev, err := tracker.Touch(ctx, "user-1", first)
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = tracker.Touch(ctx, "user-1", first.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, first, *prev)
}
