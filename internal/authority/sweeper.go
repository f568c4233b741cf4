package authority

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"kids-checkin-backend/internal/clock"
)

// Sweeper expires lapsed requests on a fixed interval.
type Sweeper struct {
	auth     *Authority
	interval time.Duration
	clock    clock.Clock
	log      zerolog.Logger
}

func NewSweeper(auth *Authority, interval time.Duration, logger *zerolog.Logger) *Sweeper {
	return &Sweeper{
		auth:     auth,
		interval: interval,
		clock:    auth.clock,
		log:      logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps once, then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("starting request sweeper")
	s.SweepOnce(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("request sweeper shutting down")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep at the clock's current time.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	n, err := s.auth.SweepExpired(ctx, s.clock.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("sweep failed")
	}
	return n
}
