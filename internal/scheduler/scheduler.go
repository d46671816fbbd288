// Package scheduler runs rcond's background housekeeping: expiring bans,
// pruning the command audit log and removing old archive files.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/rcond/internal/config"
	"github.com/energizer-project/rcond/internal/util"
)

// DefaultPurgeInterval is how often expired bans are removed.
const DefaultPurgeInterval = time.Minute

// BanPurger removes expired bans.
type BanPurger interface {
	PurgeExpired() (int, error)
}

// AuditPruner deletes audit entries older than a cutoff.
type AuditPruner interface {
	Prune(cutoff time.Time) (int, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg   *config.Config
	bans  BanPurger
	audit AuditPruner

	purgeInterval time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, bans BanPurger, audit AuditPruner) *Scheduler {
	return &Scheduler{
		cfg:           cfg,
		bans:          bans,
		audit:         audit,
		purgeInterval: DefaultPurgeInterval,
		now:           time.Now,
		logger:        util.ComponentLogger("scheduler"),
	}
}

// Start runs every scheduled task until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")

	go s.runCleanupLoop(ctx)

	ticker := time.NewTicker(s.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.PurgeBans()
		}
	}
}

// PurgeBans removes bans whose penalty has run out.
func (s *Scheduler) PurgeBans() {
	n, err := s.bans.PurgeExpired()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to purge expired bans")
		return
	}
	if n > 0 {
		s.logger.Info().Int("count", n).Msg("expired bans removed")
	}
}

// runCleanupLoop runs the daily cleanup at the configured time.
func (s *Scheduler) runCleanupLoop(ctx context.Context) {
	for {
		nextRun := s.nextCleanupTime()
		sleepDuration := nextRun.Sub(s.now())
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		s.logger.Debug().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("cleanup scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepDuration):
			s.RunCleanup()
		}
	}
}

// RunCleanup prunes the audit log and deletes archives past their retention.
func (s *Scheduler) RunCleanup() {
	app := s.cfg.GetApplicationData()

	if days := app.Database.AuditRetentionDays; days > 0 {
		cutoff := s.now().AddDate(0, 0, -days)
		if n, err := s.audit.Prune(cutoff); err != nil {
			s.logger.Error().Err(err).Msg("failed to prune audit log")
		} else {
			s.logger.Info().Int("count", n).Int("retention_days", days).Msg("audit log pruned")
		}
	}

	if days := app.Paths.ArtifactRetentionDays; days > 0 && app.Paths.Artifacts != "" {
		count, size := s.cleanArtifacts(app.Paths.Artifacts, time.Duration(days)*24*time.Hour)
		s.logger.Info().
			Int("deleted_files", count).
			Str("freed_space", formatBytes(size)).
			Msg("artifact cleanup completed")
	}
}

// cleanArtifacts deletes zip archives in dir older than maxAge.
func (s *Scheduler) cleanArtifacts(dir string, maxAge time.Duration) (int, int64) {
	var (
		deletedCount int
		deletedSize  int64
	)
	now := s.now()

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}
		if info.IsDir() || !strings.EqualFold(filepath.Ext(info.Name()), ".zip") {
			return nil
		}
		if now.Sub(info.ModTime()) <= maxAge {
			return nil
		}
		if err := os.Remove(path); err == nil {
			deletedCount++
			deletedSize += info.Size()
			s.logger.Debug().Str("file", info.Name()).Msg("deleted old archive")
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("artifact cleanup encountered errors")
	}
	return deletedCount, deletedSize
}

// nextCleanupTime returns the next time the cleanup should run.
func (s *Scheduler) nextCleanupTime() time.Time {
	cleanupTime := s.cfg.GetApplicationData().Database.CleanupTime
	parts := strings.Split(cleanupTime, ":")

	hour, minute := 4, 0 // Default: 4:00 AM
	if len(parts) >= 2 {
		fmt.Sscanf(parts[0], "%d", &hour)
		fmt.Sscanf(parts[1], "%d", &minute)
	}

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
