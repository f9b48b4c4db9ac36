package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakturenn/fakturenn/internal/domain/model"
)

func TestJobStatusCanTransitionTo(t *testing.T) {
	tests := []struct {
		from    model.JobStatus
		to      model.JobStatus
		allowed bool
	}{
		{model.JobStatusPending, model.JobStatusRunning, true},
		{model.JobStatusPending, model.JobStatusCompleted, true},
		{model.JobStatusPending, model.JobStatusFailed, true},
		{model.JobStatusRunning, model.JobStatusCompleted, true},
		{model.JobStatusRunning, model.JobStatusFailed, true},
		{model.JobStatusRunning, model.JobStatusPending, false},
		{model.JobStatusCompleted, model.JobStatusRunning, false},
		{model.JobStatusCompleted, model.JobStatusFailed, false},
		{model.JobStatusFailed, model.JobStatusRunning, false},
		{model.JobStatusFailed, model.JobStatusCompleted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, model.JobStatusPending.Terminal())
	assert.False(t, model.JobStatusRunning.Terminal())
	assert.True(t, model.JobStatusCompleted.Terminal())
	assert.True(t, model.JobStatusFailed.Terminal())
}

func TestMarkSourceDone(t *testing.T) {
	stats := model.JobStats{SourcesDispatched: 2}

	ok := stats.MarkSourceDone("src-1", model.SourceProgress{InvoiceCount: 3, ExportCount: 6})
	require.True(t, ok)
	assert.Equal(t, 1, stats.SourcesSucceeded)
	assert.Equal(t, 3, stats.InvoicesFound)
	assert.Equal(t, 6, stats.ExportsDispatched)
	assert.False(t, stats.AllSourcesDone())

	ok = stats.MarkSourceDone("src-2", model.SourceProgress{Failed: true, Error: "login failed"})
	require.True(t, ok)
	assert.Equal(t, 1, stats.SourcesFailed)
	assert.True(t, stats.AllSourcesDone())
	assert.False(t, stats.AllSourcesFailed())
}

func TestMarkSourceDoneIdempotent(t *testing.T) {
	stats := model.JobStats{SourcesDispatched: 1}

	require.True(t, stats.MarkSourceDone("src-1", model.SourceProgress{InvoiceCount: 2}))
	require.False(t, stats.MarkSourceDone("src-1", model.SourceProgress{InvoiceCount: 2}),
		"duplicate completion is a no-op")

	assert.Equal(t, 1, stats.SourcesSucceeded)
	assert.Equal(t, 2, stats.InvoicesFound)
}

func TestAllSourcesDoneZeroDispatched(t *testing.T) {
	stats := model.JobStats{}
	assert.True(t, stats.AllSourcesDone(), "a job with no sources is immediately done")
	assert.False(t, stats.AllSourcesFailed(), "zero sources is not a failure")
}

func TestAllSourcesFailed(t *testing.T) {
	stats := model.JobStats{SourcesDispatched: 2}
	stats.MarkSourceDone("src-1", model.SourceProgress{Failed: true})
	assert.False(t, stats.AllSourcesFailed())
	stats.MarkSourceDone("src-2", model.SourceProgress{Failed: true})
	assert.True(t, stats.AllSourcesFailed())
}
