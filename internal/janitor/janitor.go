// Package janitor runs the periodic maintenance loop: TTL sweeps of the
// in-memory store backend and metrics snapshots. On a redis fleet the
// server-side TTLs are authoritative and no sweeper is registered.
package janitor

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/confab-dev/confab/internal/metrics"
)

// Sweeper removes expired entries and reports how many went.
type Sweeper interface {
	Sweep() int
}

type Janitor struct {
	cron *cron.Cron
}

// New schedules the maintenance jobs under spec ("@every 30s"). sweeper
// may be nil.
func New(spec string, sweeper Sweeper, reg *metrics.Registry) (*Janitor, error) {
	c := cron.New()
	logger := log.With().Str("module", "janitor").Logger()

	if sweeper != nil {
		if _, err := c.AddFunc(spec, func() {
			if n := sweeper.Sweep(); n > 0 {
				logger.Debug().Int("expired", n).Msg("swept expired entries")
			}
		}); err != nil {
			return nil, err
		}
	}

	if _, err := c.AddFunc(spec, func() {
		ev := logger.Debug()
		for _, s := range reg.Snapshot() {
			ev = ev.Int64(s.Name, s.Value)
		}
		ev.Msg("metrics snapshot")
	}); err != nil {
		return nil, err
	}

	return &Janitor{cron: c}, nil
}

func (j *Janitor) Start() { j.cron.Start() }

// Stop ends scheduling; running jobs finish on their own.
func (j *Janitor) Stop() { j.cron.Stop() }
