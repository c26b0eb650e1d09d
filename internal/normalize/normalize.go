// Package normalize maps upstream chess site payloads onto the canonical
// models. Every function here is pure: no I/O, no clocks.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/chess-ingest/internal/models"
)

// Checksum returns the hex SHA-256 of a response body
func Checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// LimitMonths keeps the most recent limit months in chronological order.
// A limit of 0 or less keeps everything.
func LimitMonths(months []models.ArchiveMonth, limit int) []models.ArchiveMonth {
	sorted := make([]models.ArchiveMonth, len(months))
	copy(sorted, months)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Before(sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	return sorted
}

// MonthsBetween enumerates every calendar month from the one containing
// from up to and including the one containing to, in UTC
func MonthsBetween(from, to time.Time) []models.ArchiveMonth {
	from, to = from.UTC(), to.UTC()
	if to.Before(from) {
		return nil
	}

	var months []models.ArchiveMonth
	cur := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(end) {
		months = append(months, models.ArchiveMonth{Year: cur.Year(), Month: int(cur.Month())})
		cur = cur.AddDate(0, 1, 0)
	}
	return months
}

// MonthRange returns the first instant of a month and the last millisecond
// before the next one
func MonthRange(year, month int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0).Add(-time.Millisecond)
}

func lastSegment(rawURL string) string {
	trimmed := strings.TrimRight(rawURL, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx != -1 {
		return trimmed[idx+1:]
	}
	return trimmed
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optInt(n int) *int {
	return &n
}

func unixSeconds(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func unixMillis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
