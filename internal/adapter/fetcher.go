// Package adapter provides the upstream chess platform clients.
package adapter

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chess-ingest/internal/circuitbreaker"
	"github.com/chess-ingest/internal/config"
	apperrors "github.com/chess-ingest/internal/errors"
	"github.com/chess-ingest/internal/logging"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/normalize"
	"github.com/chess-ingest/internal/types"
	"github.com/go-resty/resty/v2"
)

// FetchRecorder receives one entry per upstream exchange
type FetchRecorder interface {
	Append(ctx context.Context, entry *models.FetchLogEntry) error
}

// Request is one conditional GET against an upstream
type Request struct {
	URL        string
	Accept     string
	JobID      *int64
	Validators models.Validators
}

// Response is a successful upstream exchange. NotModified responses carry
// no body.
type Response struct {
	URL          string
	StatusCode   int
	Body         []byte
	NotModified  bool
	ETag         string
	LastModified string
	Checksum     string
}

// Validators returns the cache validators to remember for the URL
func (r *Response) Validators() models.Validators {
	return models.Validators{ETag: r.ETag, LastModified: r.LastModified}
}

// FetcherHealth is the request accounting of one fetcher
type FetcherHealth struct {
	Platform         types.Platform        `json:"platform"`
	TotalRequests    int64                 `json:"totalRequests"`
	FailedRequests   int64                 `json:"failedRequests"`
	NotModified      int64                 `json:"notModified"`
	AverageLatency   time.Duration         `json:"averageLatency"`
	LastSuccess      time.Time             `json:"lastSuccess"`
	LastFailure      time.Time             `json:"lastFailure"`
	ConsecutiveFails int                   `json:"consecutiveFails"`
	Breaker          *circuitbreaker.Stats `json:"breaker"`
}

// HTTPFetcher performs identified, conditional GETs against one platform
type HTTPFetcher struct {
	platform types.Platform
	client   *resty.Client
	breaker  *circuitbreaker.CircuitBreaker
	recorder FetchRecorder
	now      func() time.Time

	mu               sync.Mutex
	totalRequests    int64
	failedRequests   int64
	notModified      int64
	totalLatency     time.Duration
	lastSuccess      time.Time
	lastFailure      time.Time
	consecutiveFails int
}

// NewHTTPFetcher creates a fetcher for platform. recorder may be nil.
func NewHTTPFetcher(platform types.Platform, cfg config.PlatformConfig, recorder FetchRecorder) *HTTPFetcher {
	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("User-Agent", cfg.UserAgent)
	client.SetHeader("Accept", "application/json")

	breakerCfg := circuitbreaker.DefaultConfig(string(platform))
	if cfg.BreakerMaxFailures > 0 {
		breakerCfg.MaxFailures = cfg.BreakerMaxFailures
	}
	if cfg.BreakerTimeout > 0 {
		breakerCfg.Timeout = cfg.BreakerTimeout
	}
	breakerCfg.IsFailure = func(err error) bool {
		return apperrors.KindOf(err) == types.ErrorTransientNetwork
	}

	return &HTTPFetcher{
		platform: platform,
		client:   client,
		breaker:  circuitbreaker.NewCircuitBreaker(breakerCfg),
		recorder: recorder,
		now:      time.Now,
	}
}

// Platform returns the platform the fetcher talks to
func (f *HTTPFetcher) Platform() types.Platform {
	return f.platform
}

// Fetch performs req. Every non-2xx/304 outcome is returned as a
// categorized error.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	var out *Response
	err := f.breaker.Execute(ctx, func() error {
		var err error
		out, err = f.do(ctx, req)
		return err
	})
	switch err {
	case nil:
		return out, nil
	case circuitbreaker.ErrCircuitOpen, circuitbreaker.ErrTooManyRequests:
		return nil, apperrors.NewTransientNetworkError(req.URL, err)
	default:
		return nil, err
	}
}

func (f *HTTPFetcher) do(ctx context.Context, req Request) (*Response, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"platform": f.platform,
		"url":      req.URL,
	})

	r := f.client.R().SetContext(ctx)
	if req.Accept != "" {
		r.SetHeader("Accept", req.Accept)
	}
	if req.Validators.ETag != "" {
		r.SetHeader("If-None-Match", req.Validators.ETag)
	}
	if req.Validators.LastModified != "" {
		r.SetHeader("If-Modified-Since", req.Validators.LastModified)
	}

	start := f.now()
	resp, err := r.Get(req.URL)
	elapsed := f.now().Sub(start)

	entry := &models.FetchLogEntry{
		Platform:   f.platform,
		URL:        req.URL,
		JobID:      req.JobID,
		DurationMs: elapsed.Milliseconds(),
		FetchedAt:  start.UTC(),
	}

	if err != nil {
		catErr := apperrors.NewTransientNetworkError(req.URL, err)
		f.finish(ctx, entry, catErr, elapsed)
		logger.WithError(err).Warn("Upstream request failed")
		return nil, catErr
	}

	status := resp.StatusCode()
	entry.StatusCode = status
	out := &Response{
		URL:          req.URL,
		StatusCode:   status,
		ETag:         resp.Header().Get("ETag"),
		LastModified: resp.Header().Get("Last-Modified"),
	}
	entry.ETag = optional(out.ETag)
	entry.LastModified = optional(out.LastModified)

	switch {
	case status == http.StatusNotModified:
		out.NotModified = true
		if out.ETag == "" && out.LastModified == "" {
			out.ETag, out.LastModified = req.Validators.ETag, req.Validators.LastModified
		}
	case status >= 200 && status < 300:
		out.Body = resp.Body()
		out.Checksum = normalize.Checksum(out.Body)
		entry.ContentHash = &out.Checksum
	default:
		catErr := statusError(req.URL, status, resp.Header(), f.now())
		f.finish(ctx, entry, catErr, elapsed)
		logger.WithField("status", status).Warnf("Upstream returned %s", catErr.Code)
		return nil, catErr
	}

	f.finish(ctx, entry, nil, elapsed)
	logger.WithFields(map[string]interface{}{
		"status":     status,
		"durationMs": entry.DurationMs,
	}).Debug("Upstream request completed")
	return out, nil
}

// finish updates the health counters and appends the fetch log entry
func (f *HTTPFetcher) finish(ctx context.Context, entry *models.FetchLogEntry, err *apperrors.CategorizedError, elapsed time.Duration) {
	f.mu.Lock()
	f.totalRequests++
	f.totalLatency += elapsed
	if err != nil && err.Kind == types.ErrorTransientNetwork {
		f.failedRequests++
		f.consecutiveFails++
		f.lastFailure = entry.FetchedAt
	} else {
		f.consecutiveFails = 0
		f.lastSuccess = entry.FetchedAt
	}
	if entry.StatusCode == http.StatusNotModified {
		f.notModified++
	}
	f.mu.Unlock()

	if err != nil {
		msg := err.Error()
		entry.Error = &msg
	}
	if f.recorder == nil {
		return
	}
	if appendErr := f.recorder.Append(ctx, entry); appendErr != nil {
		logging.FromContext(ctx).WithError(appendErr).Warn("Failed to append fetch log entry")
	}
}

// Health returns the request accounting of the fetcher
func (f *HTTPFetcher) Health() *FetcherHealth {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := &FetcherHealth{
		Platform:         f.platform,
		TotalRequests:    f.totalRequests,
		FailedRequests:   f.failedRequests,
		NotModified:      f.notModified,
		LastSuccess:      f.lastSuccess,
		LastFailure:      f.lastFailure,
		ConsecutiveFails: f.consecutiveFails,
		Breaker:          f.breaker.GetStats(),
	}
	if f.totalRequests > 0 {
		h.AverageLatency = f.totalLatency / time.Duration(f.totalRequests)
	}
	return h
}

// statusError maps an unsuccessful upstream status onto its error kind
func statusError(url string, status int, header http.Header, now time.Time) *apperrors.CategorizedError {
	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.NewRateLimitedError(url, ParseRetryAfter(header.Get("Retry-After"), now))
	case status == http.StatusGone:
		return apperrors.NewPermanentlyGoneError(url)
	case status == http.StatusNotFound:
		return apperrors.NewNotFoundError(url)
	case status >= 500:
		return apperrors.NewUpstreamServerError(url, status)
	default:
		return apperrors.NewUnexpectedStatusError(url, status)
	}
}

// ParseRetryAfter reads a Retry-After header given either as seconds or
// as an HTTP date. It returns nil when the header is absent or unusable.
func ParseRetryAfter(value string, now time.Time) *time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return nil
		}
		d := time.Duration(secs) * time.Second
		return &d
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
