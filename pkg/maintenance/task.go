package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/heartcore/pkg/config"
	"github.com/dotsetgreg/heartcore/pkg/logger"
	"github.com/dotsetgreg/heartcore/pkg/session"
)

// Task is the periodic housekeeping loop over all cached sessions:
// passive energy recovery, mood decay toward neutral, the daily reset,
// and the flush-then-evict sweep that keeps the cache bounded.
type Task struct {
	cfg      config.MaintenanceConfig
	sessions *session.StateStore
	gron     *gronx.Gronx
}

// SweepStats summarizes one maintenance pass.
type SweepStats struct {
	Sessions  int
	Recovered int
	Decayed   int
	Reset     int
	Flushed   int
	Evicted   int
	Errors    int
}

func NewTask(cfg config.MaintenanceConfig, sessions *session.StateStore) (*Task, error) {
	g := gronx.New()
	if cron := cfg.DailyResetCron; cron != "" && !g.IsValid(cron) {
		return nil, fmt.Errorf("invalid daily reset cron %q", cron)
	}
	return &Task{cfg: cfg, sessions: sessions, gron: g}, nil
}

// Run ticks until ctx is canceled.
func (t *Task) Run(ctx context.Context) {
	interval := time.Duration(t.cfg.TickSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	logger.InfoCF("maintenance", "maintenance loop started", map[string]interface{}{
		"interval": interval.String(),
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.InfoC("maintenance", "maintenance loop stopping")
			return
		case now := <-ticker.C:
			stats := t.Sweep(ctx, now)
			if stats.Recovered+stats.Decayed+stats.Reset+stats.Flushed+stats.Evicted+stats.Errors > 0 {
				logger.DebugCF("maintenance", "sweep finished", map[string]interface{}{
					"sessions":  stats.Sessions,
					"recovered": stats.Recovered,
					"decayed":   stats.Decayed,
					"reset":     stats.Reset,
					"flushed":   stats.Flushed,
					"evicted":   stats.Evicted,
					"errors":    stats.Errors,
				})
			}
		}
	}
}

// Sweep runs one maintenance pass at the given time.
func (t *Task) Sweep(ctx context.Context, now time.Time) SweepStats {
	var stats SweepStats

	resetDue := false
	if cron := t.cfg.DailyResetCron; cron != "" {
		due, err := t.gron.IsDue(cron, now)
		if err != nil {
			logger.WarnCF("maintenance", "daily reset cron check failed", map[string]interface{}{
				"cron":  cron,
				"error": err.Error(),
			})
		}
		resetDue = due
	}
	today := now.Format("2006-01-02")

	silence := time.Duration(t.cfg.EnergyRecoverySilenceMinutes) * time.Minute
	decayInterval := time.Duration(t.cfg.MoodDecayIntervalSeconds) * time.Second
	evictTTL := time.Duration(t.cfg.EvictionTTLSeconds) * time.Second

	for _, id := range t.sessions.SessionIDs() {
		s := t.sessions.Peek(id)
		if s == nil {
			continue
		}
		stats.Sessions++

		if s.ApplyPassiveRecovery(t.cfg.EnergyRecoveryIncrement, t.cfg.EnergyRecoveryCeiling, silence, now) {
			stats.Recovered++
		}
		if s.ApplyMoodDecay(t.cfg.MoodDecayStep, decayInterval, now) {
			stats.Decayed++
		}
		if resetDue && s.ApplyDailyReset(t.cfg.EnergyDailyRecovery, today) {
			stats.Reset++
		}

		if s.Dirty() {
			if err := t.sessions.Flush(ctx, id); err != nil {
				stats.Errors++
				logger.WarnCF("maintenance", "flush failed, will retry next sweep", map[string]interface{}{
					"session": id,
					"error":   err.Error(),
				})
				continue
			}
			stats.Flushed++
		}
		if t.sessions.EvictIfIdle(id, evictTTL) {
			stats.Evicted++
		}
	}
	return stats
}
