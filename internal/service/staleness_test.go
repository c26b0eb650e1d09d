package service

import (
	"testing"
	"time"

	"github.com/chess-ingest/internal/config"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/types"
	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func testPolicy() *StalenessPolicy {
	return NewStalenessPolicy(config.Defaults().Staleness)
}

func TestStalenessDefaults(t *testing.T) {
	p := testPolicy()

	assert.Equal(t, 6*time.Hour, p.Threshold(types.PlatformChessCom, types.JobTypeProfile))
	assert.Equal(t, 2*time.Hour, p.Threshold(types.PlatformChessCom, types.JobTypeStats))
	assert.Equal(t, 12*time.Hour, p.Threshold(types.PlatformChessCom, types.JobTypeArchives))
	assert.Equal(t, time.Minute, p.Threshold(types.PlatformLichess, types.JobTypeProfile))
	assert.Zero(t, p.Threshold(types.PlatformLichess, types.JobTypeStats))
	assert.Zero(t, p.Threshold(types.PlatformChessCom, types.JobTypeGames))

	assert.Equal(t,
		[]types.JobType{types.JobTypeProfile, types.JobTypeStats, types.JobTypeArchives},
		p.JobTypes(types.PlatformChessCom))
	assert.Equal(t,
		[]types.JobType{types.JobTypeProfile, types.JobTypeArchives},
		p.JobTypes(types.PlatformLichess))
}

func TestIsStale(t *testing.T) {
	p := testPolicy()
	recent := t0.Add(-time.Hour)
	old := t0.Add(-6 * time.Hour)

	tests := []struct {
		name     string
		platform types.Platform
		jobType  types.JobType
		last     *time.Time
		want     bool
	}{
		{"never fetched", types.PlatformChessCom, types.JobTypeProfile, nil, true},
		{"fresh profile", types.PlatformChessCom, types.JobTypeProfile, &recent, false},
		{"exactly at threshold", types.PlatformChessCom, types.JobTypeProfile, &old, true},
		{"fresh stats", types.PlatformChessCom, types.JobTypeStats, &recent, false},
		{"lichess stats never apply", types.PlatformLichess, types.JobTypeStats, nil, false},
		{"games are not refreshed", types.PlatformChessCom, types.JobTypeGames, nil, false},
		{"lichess profile after a minute", types.PlatformLichess, types.JobTypeProfile, &recent, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.IsStale(tt.platform, tt.jobType, tt.last, t0))
		})
	}
}

func TestNextFetch(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, t0.Add(2*time.Hour), p.NextFetch(types.PlatformChessCom, types.JobTypeStats, t0))
}

func TestPriorityFor(t *testing.T) {
	p := testPolicy()
	fetched := t0.Add(-24 * time.Hour)
	known := &models.IngestionState{LastProfileFetchAt: &fetched}
	fresh := &models.IngestionState{}

	assert.Equal(t, types.PriorityNewAccount, p.PriorityFor(nil, types.JobTypeProfile, false))
	assert.Equal(t, types.PriorityNewAccount, p.PriorityFor(fresh, types.JobTypeProfile, false))
	assert.Equal(t, types.PriorityRefresh, p.PriorityFor(known, types.JobTypeStats, false))
	assert.Equal(t, types.PriorityBackfill, p.PriorityFor(known, types.JobTypeGames, false))
	assert.Equal(t, types.PriorityInteractive, p.PriorityFor(known, types.JobTypeProfile, true))
	assert.Equal(t, types.PriorityInteractive, p.PriorityFor(fresh, types.JobTypeGames, true))
}
