// Package syncer decides when the scan queue is synchronized: on a cron
// schedule, when the platform becomes reachable, after failed runs, and on
// demand.
package syncer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cofretracker/cofre_tracker/internal/logging"
	"github.com/cofretracker/cofre_tracker/internal/metrics"
	"github.com/cofretracker/cofre_tracker/internal/scanqueue"
)

type Options struct {
	Schedule      string // cron spec; empty disables scheduled runs
	HealthURL     string // empty disables probing
	ProbeInterval time.Duration
	RetrySchedule []time.Duration // follow-up delays after runs that left failures behind
	JitterPercent float64
	StopGrace     time.Duration // how long Stop lets a run in progress finish; default 30s
	Logger        *logging.Logger
}

// Status is a snapshot of the runner's view of the queue.
type Status struct {
	Online     bool              `json:"online"`
	Syncing    bool              `json:"syncing"`
	Pending    int               `json:"pending"`
	LastRunAt  *time.Time        `json:"last_run_at,omitempty"`
	LastResult *scanqueue.Result `json:"last_result,omitempty"`
	NextRunAt  *time.Time        `json:"next_run_at,omitempty"`
}

// Runner owns a queue and the deliver function used to drain it.
type Runner[T any] struct {
	q       *scanqueue.Queue[T]
	deliver scanqueue.DeliverFunc[T]
	opts    Options
	logger  *logging.Logger

	cron    *cron.Cron
	entry   cron.EntryID
	prober  *Prober
	trigger chan struct{}

	mu         sync.Mutex
	lastRunAt  time.Time
	lastResult *scanqueue.Result
	failStreak int
	followUp   *time.Timer

	stopLoops  context.CancelFunc
	cancelRuns context.CancelFunc
	wg         sync.WaitGroup
}

func New[T any](q *scanqueue.Queue[T], deliver scanqueue.DeliverFunc[T], opts Options) (*Runner[T], error) {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 30 * time.Second
	}
	r := &Runner[T]{
		q:       q,
		deliver: deliver,
		opts:    opts,
		logger:  opts.Logger,
		cron:    cron.New(),
		trigger: make(chan struct{}, 1),
	}
	if opts.Schedule != "" {
		id, err := r.cron.AddFunc(opts.Schedule, r.Trigger)
		if err != nil {
			return nil, fmt.Errorf("invalid sync schedule %q: %w", opts.Schedule, err)
		}
		r.entry = id
	}
	if opts.HealthURL != "" {
		r.prober = NewProber(opts.HealthURL, opts.ProbeInterval, r.Trigger, opts.Logger)
	}
	return r, nil
}

// Trigger requests a background run. Requests made while one is pending
// are coalesced.
func (r *Runner[T]) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Start launches the scheduler, the prober and the background worker.
// Cancelling ctx stops new runs; a run already in progress is only cut
// short by Stop once StopGrace has passed.
func (r *Runner[T]) Start(ctx context.Context) {
	loopCtx, stopLoops := context.WithCancel(ctx)
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	r.stopLoops, r.cancelRuns = stopLoops, cancelRuns

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-r.trigger:
				if loopCtx.Err() != nil {
					return
				}
				r.background(runCtx)
			}
		}
	}()

	if r.prober != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.prober.Run(loopCtx)
		}()
	}

	r.cron.Start()
	r.logger.Plain().WithFields(map[string]any{
		"schedule":   r.opts.Schedule,
		"health_url": r.opts.HealthURL,
	}).Info("Sync runner started")
}

// Stop halts scheduling and waits for a run in progress to finish. A run
// still going after StopGrace is cancelled between items.
func (r *Runner[T]) Stop() {
	<-r.cron.Stop().Done()
	r.mu.Lock()
	if r.followUp != nil {
		r.followUp.Stop()
	}
	r.mu.Unlock()
	if r.stopLoops == nil {
		return
	}
	r.stopLoops()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.opts.StopGrace):
		r.logger.Plain().WithField("grace", r.opts.StopGrace.String()).
			Warn("Sync run still in progress, cancelling")
		r.cancelRuns()
		<-done
	}
	r.cancelRuns()
	r.logger.Plain().Info("Sync runner stopped")
}

// background runs a triggered sync unless the platform is known to be
// unreachable, so offline periods do not consume retries.
func (r *Runner[T]) background(ctx context.Context) {
	if r.prober != nil && !r.prober.Online() {
		r.logger.WithContext(ctx).Debug("Backend offline, skipping triggered sync")
		return
	}
	r.RunNow(ctx)
}

// RunNow syncs synchronously and records the result. A skipped result means
// another run was in progress.
func (r *Runner[T]) RunNow(ctx context.Context) scanqueue.Result {
	res := r.q.Sync(ctx, r.deliver)
	if res.Skipped {
		return res
	}

	now := time.Now()
	r.mu.Lock()
	r.lastRunAt = now
	r.lastResult = &res
	retrying := res.Failed - res.Dropped
	if retrying > 0 {
		r.failStreak++
		r.scheduleFollowUpLocked()
	} else {
		r.failStreak = 0
	}
	r.mu.Unlock()

	if n, err := r.q.PendingCount(ctx); err == nil {
		metrics.SetPending(n)
	}
	return res
}

func (r *Runner[T]) scheduleFollowUpLocked() {
	if len(r.opts.RetrySchedule) == 0 {
		return
	}
	if r.followUp != nil {
		r.followUp.Stop()
	}
	delay := computeDelay(r.failStreak, r.opts.RetrySchedule, r.opts.JitterPercent)
	r.followUp = time.AfterFunc(delay, r.Trigger)
	r.logger.Plain().WithField("delay", delay.String()).
		WithField("fail_streak", r.failStreak).
		Debug("Follow-up sync scheduled")
}

// Status returns the current state. It reads the pending count from the
// store.
func (r *Runner[T]) Status(ctx context.Context) (Status, error) {
	n, err := r.q.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{Online: true, Syncing: r.q.Syncing(), Pending: n}
	if r.prober != nil {
		st.Online = r.prober.Online()
	}

	r.mu.Lock()
	if !r.lastRunAt.IsZero() {
		t := r.lastRunAt
		st.LastRunAt = &t
	}
	if r.lastResult != nil {
		res := *r.lastResult
		st.LastResult = &res
	}
	r.mu.Unlock()

	if r.entry != 0 {
		if next := r.cron.Entry(r.entry).Next; !next.IsZero() {
			st.NextRunAt = &next
		}
	}
	return st, nil
}

// computeDelay picks the schedule slot for the given 1-based streak and
// applies +/- jitterPct.
func computeDelay(streak int, schedule []time.Duration, jitterPct float64) time.Duration {
	idx := streak - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	j := 1 + (rand.Float64()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}
