// Package scheduler runs background maintenance for the flagrun server,
// currently match history retention and a daily history summary.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/flagrun/internal/config"
	"github.com/energizer-project/flagrun/internal/db"
)

// History is the part of the history store the scheduler maintains.
type History interface {
	Prune(cutoff time.Time) (int64, error)
	Stats() (db.HistoryStats, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg     *config.Config
	history History
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, history History) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		history: history,
	}
}

// Start runs the scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.history != nil && s.cfg.GetHistory().Enabled {
		go s.runHistoryCleanerLoop(ctx)
		go s.runStatsCollectionLoop(ctx)
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runHistoryCleanerLoop prunes history at the configured time each day.
func (s *Scheduler) runHistoryCleanerLoop(ctx context.Context) {
	for {
		now := time.Now()
		nextRun := nextCleanupTime(now, s.cfg.GetHistory().CleanupTime)
		sleepDuration := nextRun.Sub(now)

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("history cleaner scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepDuration):
			s.runHistoryCleaner(time.Now())
		}
	}
}

// runHistoryCleaner drops matches older than the retention period.
func (s *Scheduler) runHistoryCleaner(now time.Time) {
	days := s.cfg.GetHistory().RetentionDays
	cutoff := now.AddDate(0, 0, -days)

	log.Info().
		Int("retention_days", days).
		Time("cutoff", cutoff).
		Msg("running history cleaner")

	n, err := s.history.Prune(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("history cleaner failed")
		return
	}

	log.Info().Int64("deleted_matches", n).Msg("history cleaner completed")
}

// runStatsCollectionLoop logs a daily summary of the stored history.
func (s *Scheduler) runStatsCollectionLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectStats()
		}
	}
}

func (s *Scheduler) collectStats() {
	stats, err := s.history.Stats()
	if err != nil {
		log.Warn().Err(err).Msg("failed to collect history stats")
		return
	}

	log.Info().
		Int("matches", stats.Matches).
		Int("finished", stats.Finished).
		Int("captures", stats.Captures).
		Int("joins", stats.Joins).
		Msg("daily stats collected")
}

// nextCleanupTime returns the first occurrence of cleanupTime ("HH:MM")
// strictly after now. Unparseable values fall back to 04:00.
func nextCleanupTime(now time.Time, cleanupTime string) time.Time {
	parts := strings.Split(cleanupTime, ":")

	hour, minute := 4, 0 // Default: 4:00 AM
	if len(parts) >= 2 {
		var h, m int
		_, errH := fmt.Sscanf(parts[0], "%d", &h)
		_, errM := fmt.Sscanf(parts[1], "%d", &m)
		if errH == nil && errM == nil && h >= 0 && h < 24 && m >= 0 && m < 60 {
			hour, minute = h, m
		}
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}

	return next
}
