package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chess-ingest/internal/config"
	apperrors "github.com/chess-ingest/internal/errors"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []*models.FetchLogEntry
}

func (s *recordingSink) Append(_ context.Context, entry *models.FetchLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func testPlatformConfig(baseURL string) config.PlatformConfig {
	return config.PlatformConfig{
		BaseURL:            baseURL,
		UserAgent:          "chess-ingest-test/1.0",
		Timeout:            2 * time.Second,
		BreakerMaxFailures: 3,
		BreakerTimeout:     time.Minute,
	}
}

func TestFetchSendsIdentificationAndValidators(t *testing.T) {
	headers := make(chan http.Header, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.Header().Set("ETag", `"v2"`)
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	sink := &recordingSink{}
	jobID := int64(12)
	f := NewHTTPFetcher(types.PlatformChessCom, testPlatformConfig(server.URL), sink)

	resp, err := f.Fetch(context.Background(), Request{
		URL:        server.URL + "/player/x",
		JobID:      &jobID,
		Validators: models.Validators{ETag: `"v1"`, LastModified: "Sun, 31 Dec 2023 00:00:00 GMT"},
	})
	require.NoError(t, err)

	got := <-headers
	assert.Equal(t, "chess-ingest-test/1.0", got.Get("User-Agent"))
	assert.Equal(t, `"v1"`, got.Get("If-None-Match"))
	assert.Equal(t, "Sun, 31 Dec 2023 00:00:00 GMT", got.Get("If-Modified-Since"))
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, `"v2"`, resp.Validators().ETag)
	assert.Len(t, resp.Checksum, 64)
	assert.False(t, resp.NotModified)

	require.Len(t, sink.entries, 1)
	entry := sink.entries[0]
	assert.Equal(t, 200, entry.StatusCode)
	require.NotNil(t, entry.JobID)
	assert.Equal(t, int64(12), *entry.JobID)
	require.NotNil(t, entry.ContentHash)
	assert.Equal(t, resp.Checksum, *entry.ContentHash)
	assert.Nil(t, entry.Error)
}

func TestFetchNotModified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	f := NewHTTPFetcher(types.PlatformChessCom, testPlatformConfig(server.URL), nil)
	resp, err := f.Fetch(context.Background(), Request{URL: server.URL, Validators: models.Validators{ETag: `"a"`}})
	require.NoError(t, err)
	assert.True(t, resp.NotModified)
	assert.Empty(t, resp.Body)
	assert.Equal(t, `"a"`, resp.ETag)
	assert.Equal(t, int64(1), f.Health().NotModified)
}

func TestFetchStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		want       types.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, "7", types.ErrorRateLimited},
		{"gone", http.StatusGone, "", types.ErrorPermanentlyGone},
		{"not found", http.StatusNotFound, "", types.ErrorNotFound},
		{"server error", http.StatusBadGateway, "", types.ErrorTransientNetwork},
		{"forbidden", http.StatusForbidden, "", types.ErrorValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			sink := &recordingSink{}
			f := NewHTTPFetcher(types.PlatformLichess, testPlatformConfig(server.URL), sink)
			_, err := f.Fetch(context.Background(), Request{URL: server.URL})
			require.Error(t, err)
			assert.Equal(t, tt.want, apperrors.KindOf(err))

			require.Len(t, sink.entries, 1)
			assert.Equal(t, tt.status, sink.entries[0].StatusCode)
			assert.NotNil(t, sink.entries[0].Error)

			if tt.retryAfter != "" {
				require.NotNil(t, apperrors.RetryAfter(err))
				assert.Equal(t, 7*time.Second, *apperrors.RetryAfter(err))
			}
		})
	}
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	cfg := testPlatformConfig(server.URL)
	cfg.Timeout = 50 * time.Millisecond
	f := NewHTTPFetcher(types.PlatformChessCom, cfg, nil)

	_, err := f.Fetch(context.Background(), Request{URL: server.URL})
	require.Error(t, err)
	assert.Equal(t, types.ErrorTransientNetwork, apperrors.KindOf(err))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := NewHTTPFetcher(types.PlatformChessCom, testPlatformConfig(server.URL), nil)
	for i := 0; i < 5; i++ {
		_, err := f.Fetch(context.Background(), Request{URL: server.URL})
		assert.Equal(t, types.ErrorTransientNetwork, apperrors.KindOf(err))
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(3), f.Health().FailedRequests)
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := NewHTTPFetcher(types.PlatformChessCom, testPlatformConfig(server.URL), nil)
	for i := 0; i < 5; i++ {
		_, _ = f.Fetch(context.Background(), Request{URL: server.URL})
	}
	assert.Equal(t, int32(5), calls.Load())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	d := ParseRetryAfter("30", now)
	require.NotNil(t, d)
	assert.Equal(t, 30*time.Second, *d)

	d = ParseRetryAfter("Mon, 01 Jan 2024 00:01:00 GMT", now)
	require.NotNil(t, d)
	assert.Equal(t, time.Minute, *d)

	d = ParseRetryAfter("Sun, 31 Dec 2023 00:00:00 GMT", now)
	require.NotNil(t, d)
	assert.Equal(t, time.Duration(0), *d)

	assert.Nil(t, ParseRetryAfter("", now))
	assert.Nil(t, ParseRetryAfter("soon", now))
	assert.Nil(t, ParseRetryAfter("-5", now))
}

func TestPlatformURLs(t *testing.T) {
	clients := NewClients(config.PlatformsConfig{
		ChessCom: testPlatformConfig("https://api.chess.com/pub"),
		Lichess:  testPlatformConfig("https://lichess.org/api"),
	}, nil)

	chesscom, err := clients.For(types.PlatformChessCom)
	require.NoError(t, err)
	assert.True(t, chesscom.HasSeparateStats())
	assert.True(t, chesscom.HasArchiveIndex())
	assert.Equal(t, "https://api.chess.com/pub/player/hikaru", chesscom.ProfileURL("Hikaru"))
	assert.Equal(t, "https://api.chess.com/pub/player/hikaru/stats", chesscom.StatsURL("hikaru"))
	assert.Equal(t, "https://api.chess.com/pub/player/hikaru/games/archives", chesscom.ArchivesURL("hikaru"))
	assert.Equal(t, "https://api.chess.com/pub/player/hikaru/games/2024/03", chesscom.MonthURL("hikaru", 2024, 3))

	lichess, err := clients.For(types.PlatformLichess)
	require.NoError(t, err)
	assert.False(t, lichess.HasSeparateStats())
	assert.False(t, lichess.HasArchiveIndex())
	assert.Equal(t, "https://lichess.org/api/user/drnykterstein", lichess.ProfileURL("DrNykterstein"))
	assert.Empty(t, lichess.StatsURL("x"))
	assert.Empty(t, lichess.ArchivesURL("x"))

	monthURL := lichess.MonthURL("x", 2024, 2)
	assert.True(t, strings.HasPrefix(monthURL, "https://lichess.org/api/games/user/x?"))
	assert.Contains(t, monthURL, "since=1706745600000")
	assert.Contains(t, monthURL, "until=1709251199999")
	assert.Contains(t, monthURL, "pgnInJson=true")

	_, err = clients.For(types.Platform("fics"))
	assert.Error(t, err)
}

func TestLichessGameExportAcceptsNDJSON(t *testing.T) {
	accepts := make(chan string, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accepts <- r.Header.Get("Accept")
		_, _ = w.Write([]byte("{}\n"))
	}))
	defer server.Close()

	client := NewLichessClient(testPlatformConfig(server.URL), nil)
	_, err := client.Fetch(context.Background(), Request{URL: client.MonthURL("x", 2024, 1)})
	require.NoError(t, err)
	assert.Equal(t, "application/x-ndjson", <-accepts)

	_, err = client.Fetch(context.Background(), Request{URL: client.ProfileURL("x")})
	require.NoError(t, err)
	assert.Equal(t, "application/json", <-accepts)
}
