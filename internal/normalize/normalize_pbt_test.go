package normalize

import (
	"testing"
	"time"

	"github.com/chess-ingest/internal/models"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestMonthProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	base := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("months between are contiguous and inclusive", prop.ForAll(
		func(startDays, spanDays int) bool {
			from := base.AddDate(0, 0, startDays)
			to := from.AddDate(0, 0, spanDays)
			months := MonthsBetween(from, to)
			if len(months) == 0 {
				return false
			}
			first, last := months[0], months[len(months)-1]
			if first.Year != from.Year() || first.Month != int(from.Month()) {
				return false
			}
			if last.Year != to.Year() || last.Month != int(to.Month()) {
				return false
			}
			for i := 1; i < len(months); i++ {
				if !months[i-1].Before(months[i]) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 3000),
		gen.IntRange(0, 1500),
	))

	properties.Property("limit keeps the newest months in order", prop.ForAll(
		func(count, limit int) bool {
			all := MonthsBetween(base, base.AddDate(0, count, 0))
			reversed := make([]models.ArchiveMonth, len(all))
			for i, m := range all {
				reversed[len(all)-1-i] = m
			}
			kept := LimitMonths(reversed, limit)
			want := len(all)
			if limit > 0 && limit < want {
				want = limit
			}
			if len(kept) != want {
				return false
			}
			return kept[len(kept)-1] == all[len(all)-1]
		},
		gen.IntRange(0, 60),
		gen.IntRange(0, 24),
	))

	properties.TestingRun(t)
}

func TestMonthRange(t *testing.T) {
	start, end := MonthRange(2024, 2)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 2, 29, 23, 59, 59, 999000000, time.UTC), end)

	start, end = MonthRange(2023, 12)
	assert.Equal(t, 2023, start.Year())
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Millisecond), end)
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Checksum(nil))
	assert.NotEqual(t, Checksum([]byte("a")), Checksum([]byte("b")))
	assert.Nil(t, MonthsBetween(base2024(), base2024().AddDate(0, -1, 0)))
}

func base2024() time.Time {
	return time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
}
