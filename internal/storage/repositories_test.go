package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chess-ingest/internal/config"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func seedAccount(t *testing.T, store *Store, username string) int64 {
	t.Helper()
	id, err := store.Accounts.Upsert(testContext(t), &models.Account{
		Platform:    types.PlatformChessCom,
		ExternalID:  "ext-" + username,
		Username:    username,
		DisplayName: username,
	}, t0)
	require.NoError(t, err)
	return id
}

func TestAccountRepository_UpsertKeepsIDAcrossRename(t *testing.T) {
	ctx := testContext(t)
	store := NewStore(NewTestDB(t), testQueue)

	joined := t0.Add(-365 * 24 * time.Hour)
	followers := 12
	a := &models.Account{
		Platform:    types.PlatformChessCom,
		ExternalID:  "15448422",
		Username:    "Hikaru",
		DisplayName: "Hikaru",
		Title:       strPtr("GM"),
		CountryCode: strPtr("US"),
		Followers:   &followers,
		JoinedAt:    &joined,
		IsStreamer:  true,
	}
	id, err := store.Accounts.Upsert(ctx, a, t0)
	require.NoError(t, err)

	got, err := store.Accounts.GetByUsername(ctx, types.PlatformChessCom, "HIKARU")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "hikaru", got.Username)
	assert.Equal(t, "GM", *got.Title)
	assert.Equal(t, 12, *got.Followers)
	assert.True(t, got.IsStreamer)
	assert.True(t, got.JoinedAt.Equal(joined))

	renamed := *a
	renamed.Username = "hikaru2"
	renamed.IsStreamer = false
	id2, err := store.Accounts.Upsert(ctx, &renamed, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	byID, err := store.Accounts.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hikaru2", byID.Username)
	assert.False(t, byID.IsStreamer)

	_, err = store.Accounts.GetByUsername(ctx, types.PlatformChessCom, "hikaru")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatsRepository_Upsert(t *testing.T) {
	ctx := testContext(t)
	store := NewStore(NewTestDB(t), testQueue)
	accountID := seedAccount(t, store, "alice")

	rating := 1500
	stats := []models.ModeStats{
		{Ruleset: "chess", TimeClass: "blitz", Rating: &rating, Wins: 10, Losses: 5, Draws: 1},
		{Ruleset: "chess", TimeClass: "rapid", Wins: 1},
	}
	require.NoError(t, store.Stats.UpsertModeStats(ctx, accountID, stats, t0))

	updated := 1550
	stats[0].Rating = &updated
	stats[0].Wins = 11
	require.NoError(t, store.Stats.UpsertModeStats(ctx, accountID, stats[:1], t0.Add(time.Hour)))

	got, err := store.Stats.ListByAccount(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "blitz", got[0].TimeClass)
	assert.Equal(t, 1550, *got[0].Rating)
	assert.Equal(t, 11, got[0].Wins)
	assert.Nil(t, got[1].Rating)
}

func TestArchiveRepository_Lifecycle(t *testing.T) {
	ctx := testContext(t)
	store := NewStore(NewTestDB(t), testQueue)
	accountID := seedAccount(t, store, "alice")

	month := models.ArchiveMonth{Year: 2024, Month: 3, URL: "https://api.chess.com/pub/player/alice/games/2024/03"}
	isNew, err := store.Archives.DiscoverMonth(ctx, accountID, types.PlatformChessCom, month, t0)
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = store.Archives.DiscoverMonth(ctx, accountID, types.PlatformChessCom, month, t0)
	require.NoError(t, err)
	assert.False(t, isNew)

	unit, err := store.Archives.GetByMonth(ctx, accountID, 2024, 3)
	require.NoError(t, err)
	assert.Equal(t, types.ArchiveStatusPending, unit.Status)

	// pending cannot jump to succeeded
	assert.ErrorIs(t, store.Archives.MarkSucceeded(ctx, unit.ID, "abc", 3, t0), ErrInvalidTransition)

	require.NoError(t, store.Archives.MarkRunning(ctx, unit.ID, t0))
	require.NoError(t, store.Archives.MarkRunning(ctx, unit.ID, t0), "running units can be re-claimed")
	require.NoError(t, store.Archives.MarkSucceeded(ctx, unit.ID, "abc", 3, t0))

	unit, err = store.Archives.Get(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ArchiveStatusSucceeded, unit.Status)
	assert.Equal(t, "abc", *unit.Checksum)
	assert.Equal(t, 3, unit.GameCount)
	require.NotNil(t, unit.LastSuccessAt)

	require.NoError(t, store.Archives.Reopen(ctx, unit.ID, t0))
	require.NoError(t, store.Archives.MarkRunning(ctx, unit.ID, t0))
	require.NoError(t, store.Archives.MarkNotModified(ctx, unit.ID, t0.Add(time.Hour)))

	unit, err = store.Archives.Get(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ArchiveStatusSucceeded, unit.Status)
	assert.True(t, unit.LastFetchAt.Equal(t0.Add(time.Hour)))
	assert.True(t, unit.LastSuccessAt.Equal(t0), "not-modified keeps the last success time")
}

func TestArchiveRepository_FailedAndSkipped(t *testing.T) {
	ctx := testContext(t)
	store := NewStore(NewTestDB(t), testQueue)
	accountID := seedAccount(t, store, "bob")

	for m := 1; m <= 2; m++ {
		_, err := store.Archives.DiscoverMonth(ctx, accountID, types.PlatformChessCom,
			models.ArchiveMonth{Year: 2023, Month: m, URL: "u"}, t0)
		require.NoError(t, err)
	}
	units, err := store.Archives.ListByAccount(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, units, 2)
	jan, feb := units[0], units[1]

	require.NoError(t, store.Archives.MarkRunning(ctx, jan.ID, t0))
	require.NoError(t, store.Archives.MarkRetrying(ctx, jan.ID, "timeout", t0))
	require.NoError(t, store.Archives.MarkRunning(ctx, jan.ID, t0))
	require.NoError(t, store.Archives.MarkFailed(ctx, jan.ID, "exhausted", t0.Add(time.Hour), t0))

	retryable, err := store.Archives.ListRetryable(ctx, accountID, 3, t0)
	require.NoError(t, err)
	assert.Empty(t, retryable, "backoff has not elapsed")

	retryable, err = store.Archives.ListRetryable(ctx, accountID, 3, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, 1, retryable[0].RetryCount)

	retryable, err = store.Archives.ListRetryable(ctx, accountID, 1, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, retryable, "retry budget spent")

	require.NoError(t, store.Archives.MarkRunning(ctx, feb.ID, t0))
	require.NoError(t, store.Archives.MarkSkipped(ctx, feb.ID, "gone", t0))
	assert.ErrorIs(t, store.Archives.Reopen(ctx, feb.ID, t0), ErrInvalidTransition)
	assert.ErrorIs(t, store.Archives.MarkRunning(ctx, feb.ID, t0), ErrInvalidTransition)
}

func TestIngestionStateRepository(t *testing.T) {
	ctx := testContext(t)
	store := NewStore(NewTestDB(t), testQueue)
	states := store.States

	require.NoError(t, states.Ensure(ctx, types.PlatformChessCom, "Alice", t0))
	require.NoError(t, states.Ensure(ctx, types.PlatformChessCom, "alice", t0))
	require.NoError(t, states.Ensure(ctx, types.PlatformChessCom, "bob", t0))

	due, err := states.ListDue(ctx, t0, 0)
	require.NoError(t, err)
	assert.Len(t, due, 2, "never-fetched accounts are due")

	require.NoError(t, states.MarkFetched(ctx, types.PlatformChessCom, "alice", types.JobTypeProfile, t0, t0.Add(6*time.Hour)))
	require.NoError(t, states.SetStatus(ctx, types.PlatformChessCom, "bob", types.IngestionBlocked, "not found", t0))

	due, err = states.ListDue(ctx, t0.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = states.ListDue(ctx, t0.Add(7*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "alice", due[0].Username)
	assert.Equal(t, types.IngestionIdle, due[0].Status)
	assert.True(t, due[0].LastProfileFetchAt.Equal(t0))

	bob, err := states.Get(ctx, types.PlatformChessCom, "bob")
	require.NoError(t, err)
	assert.Equal(t, types.IngestionBlocked, bob.Status)
	assert.Equal(t, "not found", *bob.LastError)

	assert.Error(t, states.MarkFetched(ctx, types.PlatformChessCom, "alice", types.JobTypeGames, t0, t0))
	assert.ErrorIs(t, states.MarkFetched(ctx, types.PlatformChessCom, "nobody", types.JobTypeStats, t0, t0), ErrNotFound)

	known, err := states.Known(ctx, types.PlatformChessCom, []string{"ALICE", "carol"})
	require.NoError(t, err)
	assert.True(t, known["alice"])
	assert.False(t, known["carol"])
}

func TestGameRepository_InsertIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	store := NewStore(NewTestDB(t), testQueue)
	accountID := seedAccount(t, store, "alice")

	_, err := store.Archives.DiscoverMonth(ctx, accountID, types.PlatformChessCom, models.ArchiveMonth{Year: 2024, Month: 1, URL: "u"}, t0)
	require.NoError(t, err)
	unit, err := store.Archives.GetByMonth(ctx, accountID, 2024, 1)
	require.NoError(t, err)

	accuracy := 91.5
	games := []*models.Game{
		{URL: "https://www.chess.com/game/live/1", Platform: types.PlatformChessCom, AccountID: accountID, ArchiveID: &unit.ID,
			WhiteUsername: "alice", BlackUsername: "bob", WhiteAccuracy: &accuracy, Rated: true},
		{URL: "https://www.chess.com/game/live/2", Platform: types.PlatformChessCom, AccountID: accountID, ArchiveID: &unit.ID,
			WhiteUsername: "carol", BlackUsername: "alice"},
	}

	n, err := store.Games.InsertGames(ctx, games, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.Games.InsertGames(ctx, games, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	count, err := store.Games.CountByArchive(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	g, err := store.Games.Get(ctx, games[0].URL)
	require.NoError(t, err)
	assert.True(t, g.Rated)
	assert.InDelta(t, 91.5, *g.WhiteAccuracy, 0.001)
	assert.Nil(t, g.BlackAccuracy)
	assert.True(t, g.CreatedAt.Equal(t0))
}

func TestCacheRepository(t *testing.T) {
	ctx := testContext(t)
	store := NewStore(NewTestDB(t), testQueue)

	entry, err := store.Cache.Get(ctx, "https://example.test/a")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.True(t, entry.Validators().Empty())

	require.NoError(t, store.Cache.Put(ctx, &models.CacheEntry{
		URL:      "https://example.test/a",
		ETag:     strPtr(`"v1"`),
		Checksum: strPtr("sum1"),
	}, t0))
	require.NoError(t, store.Cache.Put(ctx, &models.CacheEntry{
		URL:          "https://example.test/a",
		ETag:         strPtr(`"v2"`),
		LastModified: strPtr("Wed, 01 May 2024 12:00:00 GMT"),
		Checksum:     strPtr("sum2"),
	}, t0.Add(time.Minute)))

	entry, err = store.Cache.Get(ctx, "https://example.test/a")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, models.Validators{ETag: `"v2"`, LastModified: "Wed, 01 May 2024 12:00:00 GMT"}, entry.Validators())
	assert.Equal(t, "sum2", *entry.Checksum)
}

func TestFetchLogRepository(t *testing.T) {
	ctx := testContext(t)
	store := NewStore(NewTestDB(t), testQueue)

	jobID := int64(7)
	for i, status := range []int{200, 304} {
		require.NoError(t, store.FetchLog.Append(ctx, &models.FetchLogEntry{
			Platform:   types.PlatformLichess,
			URL:        "https://lichess.org/api/user/bob",
			JobID:      &jobID,
			StatusCode: status,
			DurationMs: 12,
			FetchedAt:  t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	multi := NewMultiFetchLog(store.FetchLog, nil)
	require.NoError(t, multi.Append(ctx, &models.FetchLogEntry{
		Platform: types.PlatformLichess, URL: "https://lichess.org/api/user/bob", StatusCode: 429, FetchedAt: t0.Add(time.Hour),
	}))

	entries, err := store.FetchLog.Recent(ctx, "https://lichess.org/api/user/bob", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 429, entries[0].StatusCode)
	assert.Equal(t, 304, entries[1].StatusCode)
	assert.Equal(t, int64(7), *entries[1].JobID)
	assert.Nil(t, entries[0].JobID)
}

func TestRawStore(t *testing.T) {
	ctx := testContext(t)

	ref, err := NoopRawStore{}.Put(ctx, "k", []byte("x"))
	require.NoError(t, err)
	assert.Empty(t, ref)

	dir := t.TempDir()
	store, err := NewRawStore(config.RawStoreConfig{Kind: "fs", Dir: dir})
	require.NoError(t, err)

	ref, err = store.Put(ctx, "../chesscom/games/42.json", []byte(`{"bad":true}`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "chesscom", "games", "42.json"), ref)

	body, err := os.ReadFile(ref) // #nosec G304 - test-owned temp path
	require.NoError(t, err)
	assert.Equal(t, `{"bad":true}`, string(body))

	_, err = NewRawStore(config.RawStoreConfig{Kind: "ftp"})
	assert.Error(t, err)
}

func TestSplitSQLStatements(t *testing.T) {
	stmts := splitSQLStatements("-- comment\nCREATE TABLE a (x Int8);\n\nCREATE TABLE b (\n  y Int8\n);\n")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x Int8)", stmts[0])
	assert.Contains(t, stmts[1], "y Int8")
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: DialectPostgres}
	assert.Equal(t, "SELECT $1, $2", pg.rebind("SELECT ?, ?"))
	assert.Equal(t, "FOR UPDATE SKIP LOCKED", pg.skipLocked())

	lite := &DB{dialect: DialectSQLite}
	assert.Equal(t, "SELECT ?, ?", lite.rebind("SELECT ?, ?"))
	assert.Empty(t, lite.skipLocked())
}
