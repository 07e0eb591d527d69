// Package worker implements the delivery worker pool from spec.md
// §4.4: a bounded set of goroutines that reserve due tasks from the
// queue, enforce the rate limiter, invoke the injected mail sender,
// and drive each dispatch through its state machine. Each worker is a
// ticker-driven goroutine with context-cancellation shutdown and
// post-tick metric updates.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/reachinbox/scheduler/mail"
	"github.com/reachinbox/scheduler/model"
	"github.com/reachinbox/scheduler/observability"
	"github.com/reachinbox/scheduler/queue"
	"github.com/reachinbox/scheduler/ratelimit"
	"github.com/reachinbox/scheduler/store"
)

// pollInterval is how often an idle worker checks the queue for a due task.
const pollInterval = 250 * time.Millisecond

// Pool drives workerConcurrency goroutines consuming the task queue.
type Pool struct {
	store   store.Store
	queue   queue.Queue
	limiter *ratelimit.Limiter
	sender  mail.Sender

	concurrency int
	globalLimit int
	senderLimit int
	minDelay    time.Duration

	wg sync.WaitGroup

	mu     sync.Mutex
	active int
}

// New builds a Pool. globalLimit and senderLimit are the hourly
// ceilings from spec.md §4.1; minDelay is the minimum spacing enforced
// after admission and before each send (spec.md §4.4/§5, suspension
// point 3).
func New(st store.Store, q queue.Queue, limiter *ratelimit.Limiter, sender mail.Sender, concurrency, globalLimit, senderLimit int, minDelay time.Duration) *Pool {
	return &Pool{
		store:       st,
		queue:       q,
		limiter:     limiter,
		sender:      sender,
		concurrency: concurrency,
		globalLimit: globalLimit,
		senderLimit: senderLimit,
		minDelay:    minDelay,
	}
}

// Start launches the worker goroutines. It returns immediately; call
// Wait after cancelling ctx to block until all workers have drained.
func (p *Pool) Start(ctx context.Context) {
	log.Printf("worker: starting pool with concurrency=%d", p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Wait blocks until every worker goroutine has returned, i.e. until
// ctx has been cancelled and in-flight sends have finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker[%d]: CRITICAL panic recovered: %v", id, r)
		}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("worker[%d]: stopping (context cancelled)", id)
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pool) tick(ctx context.Context) {
	task, err := p.queue.Reserve(ctx)
	if err != nil {
		log.Printf("worker: reserve failed: %v", err)
		return
	}
	if task == nil {
		return
	}

	p.mu.Lock()
	p.active++
	observability.WorkerActiveTasks.Set(float64(p.active))
	observability.WorkerSaturation.Set(float64(p.active) / float64(p.concurrency))
	p.mu.Unlock()

	// A reserved task runs its state machine to the end even if ctx is
	// cancelled meanwhile, so shutdown drains in-flight sends.
	p.process(context.WithoutCancel(ctx), task)

	p.mu.Lock()
	p.active--
	observability.WorkerActiveTasks.Set(float64(p.active))
	observability.WorkerSaturation.Set(float64(p.active) / float64(p.concurrency))
	p.mu.Unlock()
}

// process carries one reserved task through SENDING and into its
// terminal or looped-back status, per the state machine in spec.md §5.
func (p *Pool) process(ctx context.Context, task *model.Task) {
	dispatch, err := p.store.GetDispatch(ctx, task.DispatchID)
	if err != nil {
		log.Printf("worker: dispatch %s vanished from store: %v", task.DispatchID, err)
		_ = p.queue.Ack(ctx, task.DispatchID)
		return
	}

	if !dispatch.Status.CanTransitionTo(model.DispatchSending) {
		// Already terminal or mid-flight elsewhere; drop the task.
		_ = p.queue.Ack(ctx, task.DispatchID)
		return
	}
	dispatch.Status = model.DispatchSending
	if err := p.store.UpdateDispatch(ctx, dispatch); err != nil {
		log.Printf("worker: failed marking dispatch %s SENDING: %v", dispatch.ID, err)
		return
	}
	observability.DispatchTransitions.WithLabelValues(string(model.DispatchSending)).Inc()

	// Attach a sender account on first attempt; retries keep whatever
	// was picked the first time (task.SenderID persists across
	// Reschedule). If no sender account is active, SenderID stays
	// empty and only the global ceiling applies below — spec.md §9:
	// the per-sender ceiling applies only once a senderId is attached,
	// and no policy is invented in its absence.
	if task.SenderID == "" {
		sender, err := p.store.PickActiveSender(ctx)
		if err == nil {
			task.SenderID = sender.ID
			dispatch.SenderID = sender.ID
		} else if !errors.Is(err, store.ErrNotFound) {
			log.Printf("worker: sender lookup failed for dispatch %s: %v", dispatch.ID, err)
		}
	}

	senderLimit := p.senderLimit
	if task.HourlyLimit > 0 {
		senderLimit = task.HourlyLimit
	}

	var admitted bool
	if task.SenderID != "" {
		admitted, err = p.limiter.TryAdmitBoth(ctx, p.globalLimit, ratelimit.SenderScope(task.SenderID), senderLimit)
	} else {
		admitted, err = p.limiter.TryAdmit(ctx, ratelimit.GlobalScope, p.globalLimit)
	}
	if err != nil {
		log.Printf("worker: rate limiter error for dispatch %s: %v", dispatch.ID, err)
		p.rateLimited(ctx, dispatch, task)
		return
	}
	if !admitted {
		p.rateLimited(ctx, dispatch, task)
		return
	}

	if p.minDelay > 0 {
		select {
		case <-time.After(p.minDelay):
		case <-ctx.Done():
			return
		}
	}

	start := time.Now()
	messageID, err := p.sender.Send(ctx, mail.Message{
		To:      dispatch.RecipientEmail,
		Subject: dispatch.Subject,
		Body:    dispatch.Body,
	})
	observability.SendLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		p.transportFailed(ctx, dispatch, task, err)
		return
	}

	now := time.Now()
	dispatch.Status = model.DispatchSent
	dispatch.SentTime = &now
	dispatch.SenderEmail = messageID
	dispatch.SenderID = task.SenderID
	if err := p.store.UpdateDispatch(ctx, dispatch); err != nil {
		log.Printf("worker: failed marking dispatch %s SENT: %v", dispatch.ID, err)
		return
	}
	observability.DispatchTransitions.WithLabelValues(string(model.DispatchSent)).Inc()
	_ = p.queue.Ack(ctx, dispatch.ID)
}

// rateLimited loops the dispatch back to SCHEDULED and reschedules it
// for the top of the next hour bucket, without consuming a retry
// attempt (spec.md §5: RATE_LIMITED loops, it does not retry).
func (p *Pool) rateLimited(ctx context.Context, dispatch *model.Dispatch, task *model.Task) {
	dispatch.Status = model.DispatchRateLimited
	if err := p.store.UpdateDispatch(ctx, dispatch); err != nil {
		log.Printf("worker: failed marking dispatch %s RATE_LIMITED: %v", dispatch.ID, err)
	}
	observability.DispatchTransitions.WithLabelValues(string(model.DispatchRateLimited)).Inc()

	dispatch.Status = model.DispatchScheduled
	nextHour := time.Now().Truncate(time.Hour).Add(time.Hour)
	dispatch.ScheduledTime = nextHour
	if err := p.store.UpdateDispatch(ctx, dispatch); err != nil {
		log.Printf("worker: failed re-scheduling dispatch %s: %v", dispatch.ID, err)
		return
	}

	if err := p.queue.Reschedule(ctx, task, nextHour); err != nil {
		log.Printf("worker: failed re-enqueuing rate-limited dispatch %s: %v", dispatch.ID, err)
	}
}

// transportFailed applies the retry/backoff policy from spec.md §4.2
// and §5: up to MaxAttempts tries with exponential backoff, then FAILED.
func (p *Pool) transportFailed(ctx context.Context, dispatch *model.Dispatch, task *model.Task, sendErr error) {
	willRetry, err := p.queue.Fail(ctx, task)
	if err != nil {
		log.Printf("worker: queue.Fail error for dispatch %s: %v", dispatch.ID, err)
	}

	dispatch.ErrorMessage = sendErr.Error()
	if willRetry {
		dispatch.Status = model.DispatchScheduled
		dispatch.ScheduledTime = task.ScheduledAt
		observability.DispatchTransitions.WithLabelValues(string(model.DispatchScheduled)).Inc()
	} else {
		dispatch.Status = model.DispatchFailed
		observability.DispatchTransitions.WithLabelValues(string(model.DispatchFailed)).Inc()
	}

	if err := p.store.UpdateDispatch(ctx, dispatch); err != nil {
		log.Printf("worker: failed persisting outcome for dispatch %s: %v", dispatch.ID, err)
	}
}
