// Package scheduler runs one schedule per enabled subscription, either a
// cron expression or a plain interval, each running at most one cycle at
// a time (a still-running cycle causes the next tick to be skipped
// rather than queued, and an active risk-control cooldown causes the
// same), plus a manual one-shot trigger for operator-initiated runs.
//
// Grounded on the teacher's internal/supervisor.Run restart loop: the
// per-instance goroutine + context-cancellation + wait-group shutdown
// shape is the same, generalized from "restart a child process forever"
// to "run a cycle function on a schedule, skip overlapping ticks".
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var logger = log.New(log.Writer(), "scheduler: ", log.LstdFlags)

// CycleFunc runs one sync cycle for a subscription. It should itself
// respect ctx cancellation.
type CycleFunc func(ctx context.Context, subscriptionID int64) error

// CooldownFunc reports when subscriptionID's risk-control breaker will
// next allow an upstream call, or the zero Time if it isn't cooling down.
// The Manager consults this before every scheduled or manually-triggered
// cycle so a trip delays the next fire rather than only aborting the
// cycle that caused it.
type CooldownFunc func(subscriptionID int64) time.Time

// Schedule is either a cron expression (standard 5-field, via
// robfig/cron/v3) or a plain interval; exactly one should be set.
type Schedule struct {
	CronExpr string
	Interval time.Duration
}

func (s Schedule) String() string {
	if s.CronExpr != "" {
		return s.CronExpr
	}
	return s.Interval.String()
}

// job is one scheduled subscription's run state.
type job struct {
	subscriptionID int64
	schedule       Schedule
	running        atomicBool
	cancel         context.CancelFunc
}

// atomicBool is a tiny mutex-guarded test-and-set flag, in the spirit of
// the teacher's house style of small hand-rolled concurrency helpers
// (HostSemaphore) rather than sync/atomic.Bool.
type atomicBool struct {
	mu  sync.Mutex
	val bool
}

func (a *atomicBool) tryStart() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.val {
		return false
	}
	a.val = true
	return true
}

func (a *atomicBool) stop() {
	a.mu.Lock()
	a.val = false
	a.mu.Unlock()
}

// Manager owns the cron engine plus one goroutine per interval-based
// subscription, and serializes runs of the same subscription.
type Manager struct {
	cycle    CycleFunc
	cooldown CooldownFunc

	mu      sync.Mutex
	jobs    map[int64]*job
	cronEng *cron.Cron
	ticker  map[int64]chan struct{} // stop channels for interval-based jobs
	wg      sync.WaitGroup

	rootCtx context.Context
	cancel  context.CancelFunc
}

// NewManager constructs a Manager. The returned Manager's goroutines run
// until Stop is called. cooldown may be nil if the caller has no
// risk-control cooldown to honor.
func NewManager(parent context.Context, cycle CycleFunc, cooldown CooldownFunc) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		cycle:    cycle,
		cooldown: cooldown,
		jobs:     make(map[int64]*job),
		cronEng:  cron.New(),
		ticker:   make(map[int64]chan struct{}),
		rootCtx:  ctx,
		cancel:   cancel,
	}
}

// cooldownUntil reports the active cooldown deadline for a subscription,
// and whether one is currently in effect.
func (m *Manager) cooldownUntil(subscriptionID int64) (time.Time, bool) {
	if m.cooldown == nil {
		return time.Time{}, false
	}
	until := m.cooldown(subscriptionID)
	if until.IsZero() || !time.Now().Before(until) {
		return time.Time{}, false
	}
	return until, true
}

// Start begins the cron engine. Call after all initial subscriptions have
// been added with Add.
func (m *Manager) Start() {
	m.cronEng.Start()
}

// Stop cancels all interval-based goroutines and stops the cron engine,
// waiting (via the returned context) for in-flight cron jobs to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, stop := range m.ticker {
		close(stop)
	}
	m.mu.Unlock()
	m.cancel()
	<-m.cronEng.Stop().Done()
	m.wg.Wait()
}

// Add registers (or replaces) the schedule for one subscription. Calling
// Add again for the same subscription id replaces its prior schedule,
// used when a config change re-arms schedules.
func (m *Manager) Add(subscriptionID int64, sched Schedule) error {
	m.Remove(subscriptionID)

	j := &job{subscriptionID: subscriptionID, schedule: sched}

	m.mu.Lock()
	m.jobs[subscriptionID] = j
	m.mu.Unlock()

	if sched.CronExpr != "" {
		entryID, err := m.cronEng.AddFunc(sched.CronExpr, func() { m.runOnce(j) })
		if err != nil {
			m.mu.Lock()
			delete(m.jobs, subscriptionID)
			m.mu.Unlock()
			return fmt.Errorf("scheduler: invalid cron expression %q: %w", sched.CronExpr, err)
		}
		j.cancel = func() { m.cronEng.Remove(entryID) }
		return nil
	}

	if sched.Interval <= 0 {
		return fmt.Errorf("scheduler: subscription %d needs a cron expression or a positive interval", subscriptionID)
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.ticker[subscriptionID] = stop
	m.mu.Unlock()
	j.cancel = func() { close(stop) }

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(sched.Interval)
		defer t.Stop()
		for {
			select {
			case <-m.rootCtx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				m.runOnce(j)
			}
		}
	}()
	return nil
}

// Remove cancels a subscription's schedule, if any.
func (m *Manager) Remove(subscriptionID int64) {
	m.mu.Lock()
	j, ok := m.jobs[subscriptionID]
	if ok {
		delete(m.jobs, subscriptionID)
	}
	delete(m.ticker, subscriptionID)
	m.mu.Unlock()
	if ok && j.cancel != nil {
		j.cancel()
	}
}

// Trigger runs one cycle for subscriptionID immediately, outside its
// regular schedule, for operator-initiated manual syncs. It returns
// ErrAlreadyRunning if a cycle for that subscription is already in
// flight instead of queueing a second one, and a *CooldownActiveError if
// the subscription's risk-control breaker hasn't yet cleared its cooldown.
func (m *Manager) Trigger(ctx context.Context, subscriptionID int64) error {
	if until, active := m.cooldownUntil(subscriptionID); active {
		return &CooldownActiveError{SubscriptionID: subscriptionID, Until: until}
	}

	m.mu.Lock()
	j, ok := m.jobs[subscriptionID]
	m.mu.Unlock()
	if !ok {
		j = &job{subscriptionID: subscriptionID}
	}
	if !j.running.tryStart() {
		return ErrAlreadyRunning
	}
	defer j.running.stop()
	return m.cycle(ctx, subscriptionID)
}

// ErrAlreadyRunning is returned by Trigger when a cycle for the
// subscription is already executing.
var ErrAlreadyRunning = fmt.Errorf("scheduler: cycle already running for this subscription")

// CooldownActiveError is returned by Trigger when risk control has
// tripped and the cooldown it set hasn't elapsed yet.
type CooldownActiveError struct {
	SubscriptionID int64
	Until          time.Time
}

func (e *CooldownActiveError) Error() string {
	return fmt.Sprintf("scheduler: subscription %d risk control cooldown active until %s", e.SubscriptionID, e.Until.Format(time.RFC3339))
}

func (m *Manager) runOnce(j *job) {
	if until, active := m.cooldownUntil(j.subscriptionID); active {
		logger.Printf("subscription %d: risk control cooldown active until %s, skipping tick", j.subscriptionID, until.Format(time.RFC3339))
		return
	}

	if !j.running.tryStart() {
		logger.Printf("subscription %d: previous cycle still running, skipping tick", j.subscriptionID)
		return
	}
	defer j.running.stop()

	if err := m.cycle(m.rootCtx, j.subscriptionID); err != nil {
		logger.Printf("subscription %d: cycle error: %v", j.subscriptionID, err)
	}
}
