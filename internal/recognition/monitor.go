package recognition

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// monitor watches a run's heartbeat. If no page is reported within the
// stall timeout it calls onStall once and returns.
func (o *Orchestrator) monitor(ctx context.Context, taskID string, beat <-chan struct{}, onStall func()) {
	timer := time.NewTimer(o.stall)
	defer timer.Stop()

	log.Debug().Str("task_id", taskID).Dur("timeout", o.stall).Msg("started stall monitor")
	for {
		select {
		case <-ctx.Done():
			return
		case <-beat:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(o.stall)
		case <-timer.C:
			log.Warn().Str("task_id", taskID).Dur("timeout", o.stall).Msg("no progress within timeout - failing run")
			onStall()
			return
		}
	}
}
