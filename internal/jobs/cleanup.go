package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/autoconnect/internal/repository"
)

const cleanupTimeout = 30 * time.Second

// ControllerEvictor drops link controllers nobody has used for maxIdle.
type ControllerEvictor interface {
	EvictIdle(maxIdle time.Duration) int
}

type CleanupJob struct {
	sessionRepo repository.LinkSessionRepository
	evictor     ControllerEvictor
	interval    time.Duration
	idleTTL     time.Duration
}

// NewCleanupJob builds the periodic sweep. Either dependency may be nil.
func NewCleanupJob(
	sessionRepo repository.LinkSessionRepository,
	evictor ControllerEvictor,
	interval, idleTTL time.Duration,
) *CleanupJob {
	return &CleanupJob{
		sessionRepo: sessionRepo,
		evictor:     evictor,
		interval:    interval,
		idleTTL:     idleTTL,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (j *CleanupJob) Run(ctx context.Context) error {
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
	defer log.Info().Msg("cleanup job stopped")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.cleanup(ctx)
		}
	}
}

func (j *CleanupJob) cleanup(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, cleanupTimeout)
	defer cancel()

	if j.sessionRepo != nil {
		j.runCleanup(ctx, "link sessions", j.sessionRepo.DeleteExpired)
	}
	if j.evictor != nil {
		j.runCleanup(ctx, "idle controllers", func(context.Context) (int64, error) {
			return int64(j.evictor.EvictIdle(j.idleTTL)), nil
		})
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
