package worker

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reachinbox/scheduler/model"
	"github.com/reachinbox/scheduler/observability"
	"github.com/reachinbox/scheduler/queue"
	"github.com/reachinbox/scheduler/store"
)

// Sweeper periodically recovers dispatches stuck in SENDING — a
// worker crashed or was killed mid-send, leaving the dispatch neither
// terminal nor back in the queue. It runs on a cron schedule rather
// than a fixed ticker so the sweep cadence can be configured as a cron
// expression.
type Sweeper struct {
	store        store.Store
	queue        queue.Queue
	gracePeriod  time.Duration
	cron         *cron.Cron
}

// NewSweeper builds a Sweeper that runs on schedule (a standard
// 5-field cron expression or a descriptor such as "@every 30s") and
// reclaims dispatches that have sat in
// SENDING longer than gracePeriod.
func NewSweeper(st store.Store, q queue.Queue, schedule string, gracePeriod time.Duration) (*Sweeper, error) {
	s := &Sweeper{
		store:       st,
		queue:       q,
		gracePeriod: gracePeriod,
		cron:        cron.New(),
	}
	if _, err := s.cron.AddFunc(schedule, s.sweepOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the cron schedule. Stop via Sweeper.Stop.
func (s *Sweeper) Start() {
	log.Println("sweeper: starting stuck-dispatch sweep schedule")
	s.cron.Start()
}

// Stop halts the cron schedule and waits for any in-flight sweep.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) sweepOnce() {
	ctx := context.Background()
	cutoff := time.Now().Add(-s.gracePeriod)

	stuck, err := s.store.ListStuckDispatches(ctx, cutoff)
	if err != nil {
		log.Printf("sweeper: ListStuckDispatches failed: %v", err)
		return
	}
	if len(stuck) == 0 {
		return
	}
	log.Printf("sweeper: found %d dispatch(es) stuck in SENDING, resetting to SCHEDULED", len(stuck))

	for _, d := range stuck {
		d.Status = model.DispatchScheduled
		if err := s.store.UpdateDispatch(ctx, d); err != nil {
			log.Printf("sweeper: failed resetting dispatch %s: %v", d.ID, err)
			continue
		}

		task := &model.Task{
			DispatchID:     d.ID,
			CampaignID:     d.CampaignID,
			RecipientEmail: d.RecipientEmail,
			Subject:        d.Subject,
			Body:           d.Body,
			ScheduledAt:    time.Now(),
			SenderID:       d.SenderID,
		}
		if _, err := s.queue.Enqueue(ctx, task); err != nil {
			log.Printf("sweeper: failed re-enqueuing dispatch %s: %v", d.ID, err)
			continue
		}
		observability.SweptStuckDispatches.Inc()
	}
}
