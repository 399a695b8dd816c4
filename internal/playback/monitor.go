package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/qq1064990473/open-xiaoai/internal/music"
)

var errFinishWaitExpired = errors.New("playback: finish directive not observed")

// Clock is the time source used for polling. clock.Clock satisfies it.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// MonitorConfig tunes the polling cadence.
type MonitorConfig struct {
	PollInterval  time.Duration
	SettleDelay   time.Duration
	DirectivePoll time.Duration
	// FinishWaitTimeout bounds the wait for a Finish directive after an
	// unexplained stop. Zero waits forever.
	FinishWaitTimeout time.Duration
}

// DefaultMonitorConfig returns the production cadence.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:      time.Second,
		SettleDelay:       500 * time.Millisecond,
		DirectivePoll:     500 * time.Millisecond,
		FinishWaitTimeout: 10 * time.Minute,
	}
}

// Monitor plays one track and decides how it ended.
type Monitor struct {
	speaker Speaker
	clock   Clock
	cfg     MonitorConfig
	logger  *zap.Logger
}

// NewMonitor creates a monitor. A nil clk uses the wall clock.
func NewMonitor(speaker Speaker, cfg MonitorConfig, clk Clock, logger *zap.Logger) *Monitor {
	defaults := DefaultMonitorConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaults.SettleDelay
	}
	if cfg.DirectivePoll <= 0 {
		cfg.DirectivePoll = defaults.DirectivePoll
	}
	if cfg.FinishWaitTimeout < 0 {
		cfg.FinishWaitTimeout = 0
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{speaker: speaker, clock: clk, cfg: cfg, logger: logger}
}

// PlayTrack starts url and blocks until the session is judged completed
// (true) or interrupted (false). An interruption clears played. A stop that
// the speaker did not attribute to a pause is treated as spurious and the
// track is replayed from the start.
func (m *Monitor) PlayTrack(ctx context.Context, track music.Track, url string, played *PlayedSet) (bool, error) {
	duration := track.Duration
	if duration <= 0 {
		duration = music.DefaultTrackDuration
	}
	log := m.logger.With(
		zap.String("track_id", track.ID),
		zap.String("title", track.Title),
		zap.String("artist", track.Artist),
	)

	played.Add(track.ID)
	m.speaker.SetReceivedPause(false)
	if err := m.speaker.Play(ctx, PlayRequest{URL: url}); err != nil {
		return false, fmt.Errorf("play %s: %w", track.ID, err)
	}
	start := m.clock.Now()
	log.Info("track started", zap.String("url", url), zap.Duration("expected_duration", duration))

	for {
		status, err := m.speaker.Playing(ctx, true)
		if err != nil {
			return false, m.abort(err)
		}
		if status != StatusIdle {
			if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
				return false, m.abort(err)
			}
			continue
		}

		lastDirective := m.speaker.LastDirective()
		if err := m.sleep(ctx, m.cfg.SettleDelay); err != nil {
			return false, m.abort(err)
		}
		finalStatus, err := m.speaker.Playing(ctx, true)
		if err != nil {
			return false, m.abort(err)
		}
		finalDirective := m.speaker.LastDirective()
		elapsed := m.clock.Now().Sub(start)

		if lastDirective == DirectiveFinish {
			if finalStatus == StatusIdle && finalDirective == DirectiveFinish && elapsed >= duration {
				m.speaker.SetReceivedPause(false)
				log.Info("track completed", zap.Duration("elapsed", elapsed))
				return true, nil
			}
			log.Info("track interrupted",
				zap.String("reason", "finished_early"),
				zap.Duration("elapsed", elapsed),
				zap.String("final_status", string(finalStatus)),
			)
			m.interrupted(played)
			return false, nil
		}

		log.Info("track stopped without finish", zap.String("directive", lastDirective), zap.Duration("elapsed", elapsed))
		if err := m.awaitFinish(ctx); err != nil {
			if errors.Is(err, errFinishWaitExpired) {
				log.Warn("track interrupted", zap.String("reason", "finish_timeout"), zap.Duration("timeout", m.cfg.FinishWaitTimeout))
				m.interrupted(played)
				return false, nil
			}
			return false, m.abort(err)
		}
		if m.speaker.ReceivedPause() {
			log.Info("track interrupted", zap.String("reason", "paused"))
			m.interrupted(played)
			return false, nil
		}

		log.Info("track resumed after false interruption")
		if err := m.speaker.Play(ctx, PlayRequest{URL: url}); err != nil {
			return false, m.abort(fmt.Errorf("replay %s: %w", track.ID, err))
		}
		start = m.clock.Now()
		m.speaker.SetReceivedPause(false)
	}
}

func (m *Monitor) awaitFinish(ctx context.Context) error {
	var deadline time.Time
	if m.cfg.FinishWaitTimeout > 0 {
		deadline = m.clock.Now().Add(m.cfg.FinishWaitTimeout)
	}
	for m.speaker.LastDirective() != DirectiveFinish {
		if !deadline.IsZero() && !m.clock.Now().Before(deadline) {
			return errFinishWaitExpired
		}
		if err := m.sleep(ctx, m.cfg.DirectivePoll); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) interrupted(played *PlayedSet) {
	played.Clear()
	m.speaker.SetReceivedPause(false)
}

func (m *Monitor) abort(err error) error {
	m.speaker.SetReceivedPause(false)
	return err
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(d):
		return nil
	}
}
