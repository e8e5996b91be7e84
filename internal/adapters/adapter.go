package adapters

import (
	"context"
	"fmt"
	"time"

	types "github.com/listkit/gtm-backend/internal/domain"
)

// Stats counts one fetch pass over a source.
type Stats struct {
	Fetched   int // records seen
	Skipped   int // records dropped (no email, malformed)
	Unmatched int // records that referenced an unknown entity
}

// EmitFunc receives each normalized fact as the adapter produces it.
// Returning an error aborts the fetch.
type EmitFunc func(ctx context.Context, fact *types.PartialFact) error

// Adapter normalizes one external source into partial facts. Fetch honors
// ctx cancellation between pages; with since set it pulls only records
// changed after that instant where the source API allows it.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, since *time.Time, emit EmitFunc) (Stats, error)
}

// checkNotAllSkipped guards against a silently broken field mapping: a
// fetch that saw records but could use none of them fails the run instead
// of completing with zero output.
func checkNotAllSkipped(source string, stats Stats) error {
	if stats.Fetched > 0 && stats.Skipped == stats.Fetched {
		return fmt.Errorf("%s: all %d fetched records were skipped", source, stats.Fetched)
	}
	return nil
}
