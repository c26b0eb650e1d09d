package job

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chess-ingest/internal/adapter"
	"github.com/chess-ingest/internal/config"
	apperrors "github.com/chess-ingest/internal/errors"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/normalize"
	"github.com/chess-ingest/internal/service"
	"github.com/chess-ingest/internal/storage"
	"github.com/chess-ingest/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

const aliceBody = `{"id": "alice", "username": "Alice", "createdAt": 1704844800000}`

const aliceGames = `{"id":"g1","rated":true,"variant":"standard","speed":"blitz","createdAt":1700000000000,"lastMoveAt":1700000300000,"status":"mate","winner":"white","players":{"white":{"user":{"name":"Alice","id":"alice"},"rating":2000},"black":{"user":{"name":"Bob","id":"bob"},"rating":1900}}}
{"id":"g2","rated":true,"variant":"standard","speed":"rapid","createdAt":1700000000000,"lastMoveAt":1700000600000,"status":"resign","winner":"black","players":{"white":{"user":{"name":"Carol","id":"carol"}},"black":{"user":{"name":"Alice","id":"alice"}}}}
{"id":"g3","rated":true,"variant":"standard","speed":"rapid","createdAt":1700000000000,"lastMoveAt":1700000900000,"status":"draw","players":{"white":{"user":{"name":"Bob","id":"bob"}},"black":{"user":{"name":"Alice","id":"alice"}}}}
`

type fixture struct {
	deps     *Deps
	registry *Registry
	hits     *int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)

	cfg := config.Defaults()
	cfg.Platforms.ChessCom.BaseURL = server.URL
	cfg.Platforms.Lichess.BaseURL = server.URL

	deps := &Deps{
		Store:   storage.NewStore(storage.NewTestDB(t), cfg.Queue),
		Clients: adapter.NewClients(cfg.Platforms, nil),
		Policy:  service.NewStalenessPolicy(cfg.Staleness),
		Queue:   cfg.Queue,
	}
	return &fixture{deps: deps, registry: NewRegistry(deps), hits: &hits}
}

func (f *fixture) handler(t *testing.T, jobType types.JobType) Handler {
	h, err := f.registry.For(jobType)
	require.NoError(t, err)
	return h
}

// lichessAccount stores alice with her state linked
func (f *fixture) lichessAccount(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()

	account, _, err := normalize.LichessUser([]byte(aliceBody))
	require.NoError(t, err)
	id, err := f.deps.Store.Accounts.Upsert(ctx, account, t0)
	require.NoError(t, err)
	require.NoError(t, f.deps.Store.States.Ensure(ctx, types.PlatformLichess, "alice", t0))
	require.NoError(t, f.deps.Store.States.LinkAccount(ctx, types.PlatformLichess, "alice", id, t0))
	return id
}

func lichessJob(jobType types.JobType, year, month int) *models.Job {
	return &models.Job{
		ID:       1,
		Type:     jobType,
		Platform: types.PlatformLichess,
		Scope:    models.Scope{Platform: types.PlatformLichess, Account: "alice", Year: year, Month: month},
		Priority: types.PriorityRefresh,
	}
}

func fetchedBody(url, body string) *Fetched {
	return &Fetched{
		URL: url,
		Response: &adapter.Response{
			URL:        url,
			StatusCode: http.StatusOK,
			Body:       []byte(body),
			Checksum:   normalize.Checksum([]byte(body)),
		},
	}
}

func TestRegistry(t *testing.T) {
	f := newFixture(t)

	for _, jt := range []types.JobType{types.JobTypeProfile, types.JobTypeStats, types.JobTypeArchives, types.JobTypeGames} {
		h, err := f.registry.For(jt)
		require.NoError(t, err)
		assert.Equal(t, jt, h.Type())
	}

	_, err := f.registry.For(types.JobType("tournaments"))
	assert.Error(t, err)
	assert.NotNil(t, f.deps.Gate)
}

func TestFetchedCacheEntry(t *testing.T) {
	var none *Fetched
	assert.False(t, none.NotModified())
	assert.Nil(t, none.Body())
	assert.Nil(t, none.CacheEntry())
	assert.Nil(t, (&Fetched{}).CacheEntry())

	fresh := fetchedBody("https://x/1", `{}`)
	fresh.Response.ETag = `"a"`
	entry := fresh.CacheEntry()
	require.NotNil(t, entry)
	require.NotNil(t, entry.ETag)
	assert.Equal(t, `"a"`, *entry.ETag)
	require.NotNil(t, entry.Checksum)
	assert.Equal(t, fresh.Response.Checksum, *entry.Checksum)

	sum := "abc"
	notModified := &Fetched{
		URL:      "https://x/1",
		Response: &adapter.Response{StatusCode: http.StatusNotModified, NotModified: true, ETag: `"a"`},
		Cached:   &models.CacheEntry{URL: "https://x/1", Checksum: &sum},
	}
	assert.True(t, notModified.NotModified())
	entry = notModified.CacheEntry()
	require.NotNil(t, entry.Checksum)
	assert.Equal(t, "abc", *entry.Checksum)
}

func TestStatsRejectedWhenServedWithProfile(t *testing.T) {
	f := newFixture(t)

	_, err := f.handler(t, types.JobTypeStats).Fetch(context.Background(), lichessJob(types.JobTypeStats, 0, 0))
	assert.Equal(t, types.ErrorValidation, apperrors.KindOf(err))
	assert.Equal(t, int64(0), atomic.LoadInt64(f.hits))
}

func TestLichessProfileStoresPerfs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.deps.Store.States.Ensure(ctx, types.PlatformLichess, "alice", t0))

	body := `{"id": "alice", "username": "Alice", "createdAt": 1704844800000,
		"perfs": {"blitz": {"games": 20, "rating": 1800, "rd": 60, "prog": 5}}}`
	followUps, err := f.handler(t, types.JobTypeProfile).Apply(ctx, lichessJob(types.JobTypeProfile, 0, 0), fetchedBody("u", body), t0)
	require.NoError(t, err)

	// no separate stats endpoint: only the archive scan follows
	require.Len(t, followUps, 1)
	assert.Equal(t, types.JobTypeArchives, followUps[0].Type)
	assert.Equal(t, types.PriorityRefresh, followUps[0].Priority)
	assert.NotZero(t, followUps[0].Scope.AccountID)

	state, err := f.deps.Store.States.Get(ctx, types.PlatformLichess, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.IngestionIdle, state.Status)
	require.NotNil(t, state.AccountID)
	assert.Equal(t, followUps[0].Scope.AccountID, *state.AccountID)
}

func TestLichessArchivesEnumerateMonthsSinceJoin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accountID := f.lichessAccount(t)
	h := f.handler(t, types.JobTypeArchives)
	j := lichessJob(types.JobTypeArchives, 0, 0)

	fetched, err := h.Fetch(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, int64(0), atomic.LoadInt64(f.hits))

	followUps, err := h.Apply(ctx, j, fetched, t0)
	require.NoError(t, err)
	require.Len(t, followUps, 3)
	for i, req := range followUps {
		assert.Equal(t, types.JobTypeGames, req.Type)
		assert.Equal(t, types.PriorityBackfill, req.Priority)
		assert.Equal(t, 2024, req.Scope.Year)
		assert.Equal(t, i+1, req.Scope.Month)
		assert.Equal(t, accountID, req.Scope.AccountID)
		assert.Contains(t, req.Scope.ArchiveURL, "/games/user/alice?")
	}

	units, err := f.deps.Store.Archives.ListByAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Len(t, units, 3)

	// a second scan only reschedules pending months
	followUps, err = h.Apply(ctx, j, fetched, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, followUps, 3)
}

func TestGamesApplyAndOpponentDiscovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deps.DiscoverOpponents = true
	accountID := f.lichessAccount(t)
	require.NoError(t, f.deps.Store.States.Ensure(ctx, types.PlatformLichess, "carol", t0))

	_, err := f.deps.Store.Archives.DiscoverMonth(ctx, accountID, types.PlatformLichess, models.ArchiveMonth{Year: 2023, Month: 11}, t0)
	require.NoError(t, err)

	h := f.handler(t, types.JobTypeGames)
	j := lichessJob(types.JobTypeGames, 2023, 11)

	done, err := h.Prepare(ctx, j, t0)
	require.NoError(t, err)
	assert.False(t, done)

	followUps, err := h.Apply(ctx, j, fetchedBody("u", aliceGames), t0)
	require.NoError(t, err)

	// carol is already tracked; bob appears twice but is queued once
	require.Len(t, followUps, 1)
	assert.Equal(t, types.JobTypeProfile, followUps[0].Type)
	assert.Equal(t, "bob", followUps[0].Scope.Account)
	assert.Equal(t, types.PriorityBackfill, followUps[0].Priority)

	unit, err := f.deps.Store.Archives.GetByMonth(ctx, accountID, 2023, 11)
	require.NoError(t, err)
	assert.Equal(t, types.ArchiveStatusSucceeded, unit.Status)
	assert.Equal(t, 3, unit.GameCount)
	n, err := f.deps.Store.Games.CountByArchive(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// a finished unit leaves nothing to do
	done, err = h.Prepare(ctx, j, t0)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestGamesUnchangedPayloadKeepsCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accountID := f.lichessAccount(t)

	_, err := f.deps.Store.Archives.DiscoverMonth(ctx, accountID, types.PlatformLichess, models.ArchiveMonth{Year: 2024, Month: 3}, t0)
	require.NoError(t, err)
	h := f.handler(t, types.JobTypeGames)
	j := lichessJob(types.JobTypeGames, 2024, 3)

	_, err = h.Prepare(ctx, j, t0)
	require.NoError(t, err)
	_, err = h.Apply(ctx, j, fetchedBody("u", aliceGames), t0)
	require.NoError(t, err)

	unit, err := f.deps.Store.Archives.GetByMonth(ctx, accountID, 2024, 3)
	require.NoError(t, err)
	require.NoError(t, f.deps.Store.Archives.Reopen(ctx, unit.ID, t0))

	later := t0.Add(time.Hour)
	_, err = h.Prepare(ctx, j, later)
	require.NoError(t, err)
	_, err = h.Apply(ctx, j, fetchedBody("u", aliceGames), later)
	require.NoError(t, err)

	unit, err = f.deps.Store.Archives.GetByMonth(ctx, accountID, 2024, 3)
	require.NoError(t, err)
	assert.Equal(t, types.ArchiveStatusSucceeded, unit.Status)
	assert.Equal(t, 3, unit.GameCount)
	require.NotNil(t, unit.LastSuccessAt)
	assert.True(t, later.Equal(*unit.LastSuccessAt))
}

func TestGamesOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accountID := f.lichessAccount(t)
	h := f.handler(t, types.JobTypeGames)

	for _, m := range []int{1, 2, 3} {
		_, err := f.deps.Store.Archives.DiscoverMonth(ctx, accountID, types.PlatformLichess, models.ArchiveMonth{Year: 2024, Month: m}, t0)
		require.NoError(t, err)
		_, err = h.Prepare(ctx, lichessJob(types.JobTypeGames, 2024, m), t0)
		require.NoError(t, err)
	}

	transient := apperrors.NewUpstreamServerError("u", http.StatusBadGateway)
	require.NoError(t, h.OnFailure(ctx, lichessJob(types.JobTypeGames, 2024, 1), Failure{Err: transient, Now: t0}))
	require.NoError(t, h.OnFailure(ctx, lichessJob(types.JobTypeGames, 2024, 2), Failure{Err: transient, Terminal: true, Now: t0}))
	require.NoError(t, h.OnFailure(ctx, lichessJob(types.JobTypeGames, 2024, 3), Failure{Err: apperrors.NewPermanentlyGoneError("u"), Terminal: true, Now: t0}))

	jan, err := f.deps.Store.Archives.GetByMonth(ctx, accountID, 2024, 1)
	require.NoError(t, err)
	assert.Equal(t, types.ArchiveStatusPending, jan.Status)
	assert.Equal(t, 0, jan.RetryCount)

	feb, err := f.deps.Store.Archives.GetByMonth(ctx, accountID, 2024, 2)
	require.NoError(t, err)
	assert.Equal(t, types.ArchiveStatusFailed, feb.Status)
	assert.Equal(t, 1, feb.RetryCount)
	require.NotNil(t, feb.NextRetryAt)
	assert.True(t, t0.Add(ArchiveRetryBase).Equal(*feb.NextRetryAt))
	require.NotNil(t, feb.LastError)
	assert.True(t, strings.HasPrefix(*feb.LastError, "UPSTREAM_UNAVAILABLE"))

	mar, err := f.deps.Store.Archives.GetByMonth(ctx, accountID, 2024, 3)
	require.NoError(t, err)
	assert.Equal(t, types.ArchiveStatusSkipped, mar.Status)

	// a missing unit is not an error on the failure path
	assert.NoError(t, h.OnFailure(ctx, lichessJob(types.JobTypeGames, 2020, 1), Failure{Err: transient, Now: t0}))
}

func TestAccountFailureStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.deps.Store.States.Ensure(ctx, types.PlatformLichess, "alice", t0))
	h := f.handler(t, types.JobTypeProfile)
	j := lichessJob(types.JobTypeProfile, 0, 0)

	tests := []struct {
		name     string
		err      *apperrors.CategorizedError
		terminal bool
		want     types.IngestionStatus
	}{
		{"retrying", apperrors.NewUpstreamServerError("u", 503), false, types.IngestionScheduled},
		{"exhausted", apperrors.NewUpstreamServerError("u", 503), true, types.IngestionError},
		{"not found", apperrors.NewNotFoundError("u"), true, types.IngestionBlocked},
		{"gone", apperrors.NewPermanentlyGoneError("u"), true, types.IngestionBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, h.OnFailure(ctx, j, Failure{Err: tt.err, Terminal: tt.terminal, Now: t0}))
			state, err := f.deps.Store.States.Get(ctx, types.PlatformLichess, "alice")
			require.NoError(t, err)
			assert.Equal(t, tt.want, state.Status)
			require.NotNil(t, state.LastError)
		})
	}
}
