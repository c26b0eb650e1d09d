package adapter

import (
	"context"
	"errors"

	"github.com/chess-ingest/internal/models"
)

// Recorders fans one fetch log entry out to several sinks. Every sink is
// written even when an earlier one fails.
type Recorders []FetchRecorder

// Append writes entry to each sink and joins their errors
func (rs Recorders) Append(ctx context.Context, entry *models.FetchLogEntry) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.Append(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
