package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/ninjaorg/hyadmin/internal/store"
	"github.com/ninjaorg/hyadmin/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := createJob(t, s, 1)

	got, err := s.GetParseJob(ctx, job.ID)
	require.NoError(t, err)
	got.Status = models.JobStatusFailed

	again, err := s.GetParseJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, again.Status)
}

func TestMemoryStore_TimeoutStale(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	stale := createJob(t, s, 1)
	fresh := createJob(t, s, 1)
	s.Backdate(stale.ID, time.Hour)

	n, err := s.TimeoutStaleParseJobs(ctx, time.Now().Add(-10*time.Minute), "deadline exceeded")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetParseJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusTimeout, got.Status)
	assert.Equal(t, 1, got.Version)

	got, err = s.GetParseJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)

	// terminal jobs are never swept
	s.Backdate(stale.ID, time.Hour)
	n, err = s.TimeoutStaleParseJobs(ctx, time.Now(), "again")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the fresh job is still active")
}

func TestParseJobFilter_Normalize(t *testing.T) {
	tests := []struct {
		in         store.ParseJobFilter
		page, size int
	}{
		{store.ParseJobFilter{}, 1, 20},
		{store.ParseJobFilter{Page: 3, Limit: 50}, 3, 50},
		{store.ParseJobFilter{Page: -2, Limit: -5}, 1, 1},
		{store.ParseJobFilter{Page: 1, Limit: 500}, 1, 100},
	}
	for _, tt := range tests {
		got := tt.in.Normalize()
		assert.Equal(t, tt.page, got.Page)
		assert.Equal(t, tt.size, got.Limit)
	}
}
