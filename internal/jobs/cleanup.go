package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/memchat/bridge-server-go/internal/repository"
)

// CleanupJob prunes aged turn-log rows. Credential and pairing keys carry
// Redis TTLs and expire on their own.
type CleanupJob struct {
	turnRepo  repository.TurnLogRepository
	retention time.Duration
	interval  time.Duration
	done      chan struct{}
}

func NewCleanupJob(turnRepo repository.TurnLogRepository, retention, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		turnRepo:  turnRepo,
		retention: retention,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-j.retention)
	count, err := j.turnRepo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("failed to clean up turn log")
	} else if count > 0 {
		log.Info().Int64("count", count).Msg("cleaned up turn log rows")
	}
}
