package pipeline

import (
	"log"
	"time"

	"github.com/maloun/qaorch/internal/process"
	"github.com/maloun/qaorch/internal/queue"
)

// SweepStale is the periodic watchdog: processes stuck in a non-terminal
// state past maxAge are failed, and tasks whose worker died are requeued.
func (p *Pipeline) SweepStale(maxAge time.Duration) {
	requeued, err := queue.RequeueStale(p.db, maxAge)
	if err != nil {
		log.Printf("pipeline: sweep: %v", err)
	} else if requeued > 0 {
		log.Printf("pipeline: sweep requeued %d stuck tasks", requeued)
	}

	procs, err := process.ListStale(p.db, maxAge)
	if err != nil {
		log.Printf("pipeline: sweep: %v", err)
		return
	}
	for _, proc := range procs {
		cause := "Timed out in status " + proc.Status
		if err := process.MarkFailed(p.db, proc.ID, cause); err != nil {
			log.Printf("pipeline: sweep process %d: %v", proc.ID, err)
			continue
		}
		log.Printf("pipeline: sweep failed stale process %d (%s, stuck in %s)",
			proc.ID, proc.TicketKey, proc.Status)
	}
}
