// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartReconciliationScheduler runs the hourly full recompute from the
// draw log. Incremental updates lost to a crash between draw commit and
// stats upsert are repaired here; a failed run is retried on the next one.
func (s *StatisticsService) StartReconciliationScheduler(ctx context.Context) {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Hour),
		gocron.NewTask(func() {
			start := time.Now()
			if err := s.ReconcileAll(ctx); err != nil {
				log.Printf("[Scheduler] stats reconciliation failed: %v", err)
				return
			}
			log.Printf("✅ Stats reconciliation completed in %s", time.Since(start).Round(time.Millisecond))
		}),
	)

	go func() {
		<-ctx.Done()
		_ = sched.Shutdown()
	}()
}
