// Package scheduler advances published process instances through their due
// scheduled transitions. It runs unattended (cron tick or the internal
// trigger endpoint), so per-transition failures are isolated and the whole
// pass is idempotent under concurrent invocation.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"agora/api/internal/schema"
)

// Transition is a scheduled phase change. A transition is due when
// CompletedAt is nil and ScheduledDate is not after now; once CompletedAt
// is set the row is immutable history.
type Transition struct {
	ID            string
	InstanceID    string
	FromStateID   string
	ToStateID     string
	ScheduledDate time.Time
	CompletedAt   *time.Time
}

// DueInstance is one instance with its due transitions and the decision
// schema governing it, as loaded by the store in a single scan.
type DueInstance struct {
	Instance    schema.Instance
	Schema      *schema.DecisionSchema
	Transitions []Transition
}

// Store is the persistence surface the processor needs.
type Store interface {
	// ListDueTransitions returns every uncompleted transition with
	// scheduledDate <= now, grouped by owning instance, joined with the
	// instance row and its process schema. Instances of any status are
	// returned; the processor decides eligibility.
	ListDueTransitions(ctx context.Context, now time.Time) ([]DueInstance, error)
	// ApplyTransition marks the transition complete and advances the
	// instance in one transaction, conditional on the transition still
	// being uncompleted. Returns false when a concurrent run already
	// completed it.
	ApplyTransition(ctx context.Context, transitionID, instanceID, toPhaseID string, completedAt time.Time) (bool, error)
}

// Locker serializes processor runs across replicas. Best effort: the
// conditional update in ApplyTransition is the correctness guarantee, the
// lock only avoids wasted work.
type Locker interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// Result is the outcome of one processing pass.
type Result struct {
	Processed int     `json:"processed"`
	Failed    int     `json:"failed"`
	Errors    []error `json:"-"`
}

type Processor struct {
	store Store
	lock  Locker
	now   func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithLocker sets the cross-replica run lock.
func WithLocker(lock Locker) Option {
	return func(p *Processor) { p.lock = lock }
}

func New(store Store, opts ...Option) *Processor {
	p := &Processor{store: store, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessDueTransitions scans every due, uncompleted transition and applies
// them. Within one instance, transitions are walked as a chain from the
// instance's current phase (tie-broken by scheduledDate), so an instance
// with several overdue hops ends in the final phase after a single pass.
// A failure on one transition aborts only that instance's chain; other
// instances are unaffected. The call returns an error only for wholesale
// infrastructure failure, never for per-transition failures.
func (p *Processor) ProcessDueTransitions(ctx context.Context) (Result, error) {
	if p.lock != nil {
		release, ok, err := p.lock.Acquire(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("acquire scheduler lock: %w", err)
		}
		if !ok {
			log.Printf("scheduler: another run holds the lock, skipping pass")
			return Result{}, nil
		}
		defer release()
	}

	now := p.now()
	due, err := p.store.ListDueTransitions(ctx, now)
	if err != nil {
		return Result{}, fmt.Errorf("list due transitions: %w", err)
	}

	var result Result
	for _, entry := range due {
		// Only published instances advance on schedule. Draft and
		// cancelled instances keep their due transitions untouched.
		if entry.Instance.Status != schema.StatusPublished {
			continue
		}
		p.processInstance(ctx, entry, now, &result)
	}
	return result, nil
}

func (p *Processor) processInstance(ctx context.Context, entry DueInstance, now time.Time, result *Result) {
	transitions := append([]Transition(nil), entry.Transitions...)
	sort.Slice(transitions, func(i, j int) bool {
		return transitions[i].ScheduledDate.Before(transitions[j].ScheduledDate)
	})

	inst := entry.Instance
	applied := make(map[string]bool, len(transitions))
	for {
		next := -1
		for i, t := range transitions {
			if applied[t.ID] {
				continue
			}
			if t.FromStateID == inst.Data.CurrentPhaseID {
				next = i
				break
			}
		}
		if next < 0 {
			// Remaining due transitions whose from-state never becomes
			// current stay due; they are not failures.
			return
		}

		t := transitions[next]
		applied[t.ID] = true
		if err := schema.AdvanceInstance(entry.Schema, &inst, t.ToStateID); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("instance %s transition %s: %w", inst.ID, t.ID, err))
			log.Printf("scheduler: instance %s transition %s failed: %v", inst.ID, t.ID, err)
			return
		}
		done, err := p.store.ApplyTransition(ctx, t.ID, inst.ID, t.ToStateID, now)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("instance %s transition %s: %w", inst.ID, t.ID, err))
			log.Printf("scheduler: instance %s transition %s failed: %v", inst.ID, t.ID, err)
			return
		}
		if done {
			result.Processed++
		}
		// A concurrent run winning the conditional update still advanced
		// the instance to the same phase; the chain continues either way.
	}
}
