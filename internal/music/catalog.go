package music

import (
	"context"
	"errors"
	"time"
)

// DefaultTrackDuration is assumed when the catalog omits a track's length.
const DefaultTrackDuration = 180 * time.Second

var (
	// ErrNotFound reports a search without results.
	ErrNotFound = errors.New("music: no track found")
	// ErrNoPlayURL reports a track the catalog cannot stream.
	ErrNoPlayURL = errors.New("music: no play url")
)

// Track describes one catalog entry.
type Track struct {
	ID       string
	Title    string
	Artist   string
	Duration time.Duration
}

// Catalog looks up tracks and their streamable URLs.
type Catalog interface {
	// Search returns one page of ranked tracks. Pages start at 1; an empty
	// page means the result set is exhausted.
	Search(ctx context.Context, query string, page int) ([]Track, error)
	PlayURL(ctx context.Context, trackID string) (string, error)
}
