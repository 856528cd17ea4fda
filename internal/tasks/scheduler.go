package tasks

import (
	"context"
	"log"
	"sync"
	"time"
)

// Sweep intervals. The destroy sweep runs often because solved sandboxes
// should disappear quickly; the orphan sweep is a slow safety net.
const (
	DestroySweepInterval = time.Minute
	SessionSweepInterval = 5 * time.Minute
	OrphanSweepInterval  = 10 * time.Minute
)

// Scheduler enqueues the periodic sweep tasks. It only publishes; the
// worker does the actual work, so running several schedulers just produces
// duplicate (idempotent) sweeps.
type Scheduler struct {
	queue *Queue
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewScheduler builds a scheduler over the queue.
func NewScheduler(queue *Queue) *Scheduler {
	return &Scheduler{queue: queue, stop: make(chan struct{})}
}

// Start launches the three sweep tickers.
func (s *Scheduler) Start() {
	s.every(DestroySweepInterval, "destroy sweep", s.queue.EnqueueDestroySweep)
	s.every(SessionSweepInterval, "session sweep", s.queue.EnqueueExpiredSessionSweep)
	s.every(OrphanSweepInterval, "orphan port sweep", s.queue.EnqueueOrphanPortSweep)
	log.Printf("tasks: scheduler started")
}

// Stop halts the tickers and waits for them to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) every(interval time.Duration, name string, enqueue func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := enqueue(ctx); err != nil {
					log.Printf("tasks: enqueue %s: %v", name, err)
				}
				cancel()
			case <-s.stop:
				return
			}
		}
	}()
}
