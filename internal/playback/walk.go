package playback

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/qq1064990473/open-xiaoai/internal/music"
)

// Walker starts playlist walks: the best match for a query followed by the
// rest of that artist's catalog.
type Walker struct {
	catalog music.Catalog
	monitor *Monitor
	logger  *zap.Logger
}

// NewWalker creates a walker.
func NewWalker(catalog music.Catalog, monitor *Monitor, logger *zap.Logger) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{catalog: catalog, monitor: monitor, logger: logger}
}

// Walk is one playlist walk. It owns the set of tracks already played.
type Walk struct {
	catalog music.Catalog
	monitor *Monitor
	logger  *zap.Logger
	played  *PlayedSet
}

// NewWalk creates an empty walk.
func (w *Walker) NewWalk() *Walk {
	return &Walk{
		catalog: w.catalog,
		monitor: w.monitor,
		logger:  w.logger,
		played:  NewPlayedSet(),
	}
}

// PlayQuery plays the first hit for query and then pages through the
// artist's tracks until a page comes back empty or a track is interrupted.
func (w *Walker) PlayQuery(ctx context.Context, query string) error {
	tracks, err := w.catalog.Search(ctx, query, 1)
	if err != nil {
		return err
	}
	if len(tracks) == 0 {
		return fmt.Errorf("%w: %s", music.ErrNotFound, query)
	}

	first := tracks[0]
	walk := w.NewWalk()
	w.logger.Info("playlist walk started",
		zap.String("query", query),
		zap.String("track_id", first.ID),
		zap.String("artist", first.Artist),
	)

	ok, err := walk.Play(ctx, first)
	if err != nil || !ok {
		return err
	}

	for page := 1; ; page++ {
		tracks, err := w.catalog.Search(ctx, first.Artist, page)
		if err != nil {
			return err
		}
		if len(tracks) == 0 {
			w.logger.Info("playlist walk exhausted", zap.String("artist", first.Artist), zap.Int("pages", page-1))
			return nil
		}
		ok, err := walk.PlayList(ctx, first.Artist, tracks)
		if err != nil || !ok {
			return err
		}
	}
}

// Play resolves the track's URL and monitors its playback. A track whose
// URL cannot be resolved counts as a failed play.
func (w *Walk) Play(ctx context.Context, track music.Track) (bool, error) {
	url, err := w.catalog.PlayURL(ctx, track.ID)
	if err == nil && url == "" {
		err = music.ErrNoPlayURL
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		w.logger.Warn("track play url unavailable",
			zap.String("track_id", track.ID),
			zap.String("title", track.Title),
			zap.Error(err),
		)
		return false, nil
	}
	return w.monitor.PlayTrack(ctx, track, url, w.played)
}

// PlayList plays tracks in order, skipping tracks already played in this
// walk and tracks by other artists. It stops at the first track that did not
// complete.
func (w *Walk) PlayList(ctx context.Context, artist string, tracks []music.Track) (bool, error) {
	for _, track := range tracks {
		if w.played.Contains(track.ID) || track.Artist != artist {
			continue
		}
		ok, err := w.Play(ctx, track)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Played returns the walk's played set.
func (w *Walk) Played() *PlayedSet {
	return w.played
}
