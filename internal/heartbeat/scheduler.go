// Package heartbeat tracks promise obligations: recurring check-ins a
// component owes the registry while it is active.
package heartbeat

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/avaropoint/crunchy/internal/fault"
	"github.com/avaropoint/crunchy/internal/integrity"
	"github.com/avaropoint/crunchy/internal/signature"
	"github.com/avaropoint/crunchy/internal/uid"
)

// Unbounded marks an obligation with no check-in limit.
const Unbounded = -1

// Promise describes a new obligation.
type Promise struct {
	Strict bool
	// Objects is the number of check-ins tracked before the obligation
	// retires, or Unbounded.
	Objects int
	// Period is the number of ticks between evaluations; 0 means 1.
	Period int
	// Subject is the promise string the component commits to.
	Subject string
}

// Obligation is the scheduler's view of one promise.
type Obligation struct {
	Ref        signature.Ref
	Strict     bool
	Remaining  int
	Period     int
	Misses     int
	PromiseKey uint32

	checkedIn bool
	elapsed   int
}

// Handle refers to an obligation.
type Handle struct {
	Ref        signature.Ref
	PromiseKey uint32
}

// OutcomeKind classifies the result of evaluating an obligation.
type OutcomeKind int

const (
	// OutcomeMissed is a lenient obligation that missed a check-in.
	OutcomeMissed OutcomeKind = iota
	// OutcomeViolation is a strict obligation that missed a check-in.
	// The obligation is removed.
	OutcomeViolation
	// OutcomeRetired is an obligation whose tracked check-ins ran out.
	OutcomeRetired
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeMissed:
		return "missed"
	case OutcomeViolation:
		return "violation"
	case OutcomeRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Outcome is a notable result of one evaluation.
type Outcome struct {
	Kind       OutcomeKind
	Obligation Obligation
}

// Scheduler owns the active obligation set.
type Scheduler struct {
	mu          sync.Mutex
	obligations map[signature.Ref]*Obligation
	log         *zap.Logger
}

// NewScheduler returns an empty scheduler.
func NewScheduler(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{obligations: make(map[signature.Ref]*Obligation), log: log}
}

// PromiseKey hashes a promise subject into the key stored with the obligation.
func PromiseKey(subject string) uint32 {
	return integrity.Recompute([]byte(subject))
}

// Promise attaches an obligation to ref, replacing any previous one. The
// promise itself counts as the first check-in.
func (s *Scheduler) Promise(ref signature.Ref, p Promise) (Handle, error) {
	if p.Objects == 0 || p.Objects < Unbounded {
		return Handle{}, fault.New(fault.InvalidPromise, "objects to promise must be positive or unbounded, got %d", p.Objects)
	}
	if p.Period < 0 {
		return Handle{}, fault.New(fault.InvalidPromise, "promise period must not be negative, got %d", p.Period)
	}
	period := p.Period
	if period == 0 {
		period = 1
	}

	o := &Obligation{
		Ref:        ref,
		Strict:     p.Strict,
		Remaining:  p.Objects,
		Period:     period,
		PromiseKey: PromiseKey(p.Subject),
		checkedIn:  true,
	}

	s.mu.Lock()
	s.obligations[ref] = o
	s.mu.Unlock()

	s.log.Debug("Promise attached",
		zap.Stringer("ref", ref), zap.Bool("strict", p.Strict), zap.Int("objects", p.Objects))
	return Handle{Ref: ref, PromiseKey: o.PromiseKey}, nil
}

// CheckIn records a check-in for every obligation owned by id and returns
// how many were satisfied. Records sharing the default UID check in together.
func (s *Scheduler) CheckIn(id uid.UID) int {
	id = id.Canonical()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for ref, o := range s.obligations {
		if ref.UID == id {
			o.checkedIn = true
			n++
		}
	}
	return n
}

// Remove drops the obligation of ref.
func (s *Scheduler) Remove(ref signature.Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.obligations[ref]
	delete(s.obligations, ref)
	return ok
}

// Get returns a copy of the obligation of ref.
func (s *Scheduler) Get(ref signature.Ref) (Obligation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.obligations[ref]
	if !ok {
		return Obligation{}, false
	}
	return *o, true
}

// Len returns the number of live obligations.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.obligations)
}

// Obligations returns copies of every live obligation ordered by serial.
func (s *Scheduler) Obligations() []Obligation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Obligation, 0, len(s.obligations))
	for _, o := range s.sorted() {
		out = append(out, *o)
	}
	return out
}

// Restore re-attaches previously saved obligations. Each counts as freshly
// checked in.
func (s *Scheduler) Restore(obs []Obligation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range obs {
		o := in
		if o.Period <= 0 {
			o.Period = 1
		}
		o.checkedIn = true
		o.elapsed = 0
		s.obligations[o.Ref] = &o
	}
}

// Evaluate runs one tick of liveness evaluation. Every obligation whose
// period has elapsed must have checked in since its last evaluation. Strict
// misses are removed and reported as violations; lenient misses only count.
// Bounded obligations consume one tracked check-in per evaluation and retire
// when none remain.
func (s *Scheduler) Evaluate() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outcomes []Outcome
	for _, o := range s.sorted() {
		o.elapsed++
		if o.elapsed < o.Period {
			continue
		}
		o.elapsed = 0

		hit := o.checkedIn
		o.checkedIn = false
		if !hit {
			if o.Strict {
				delete(s.obligations, o.Ref)
				outcomes = append(outcomes, Outcome{Kind: OutcomeViolation, Obligation: *o})
				continue
			}
			o.Misses++
			outcomes = append(outcomes, Outcome{Kind: OutcomeMissed, Obligation: *o})
		}

		if o.Remaining > 0 {
			o.Remaining--
			if o.Remaining == 0 {
				delete(s.obligations, o.Ref)
				outcomes = append(outcomes, Outcome{Kind: OutcomeRetired, Obligation: *o})
			}
		}
	}
	return outcomes
}

// sorted returns the obligations ordered by serial so evaluation order is
// deterministic. Caller holds mu.
func (s *Scheduler) sorted() []*Obligation {
	out := make([]*Obligation, 0, len(s.obligations))
	for _, o := range s.obligations {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ref.Serial != out[j].Ref.Serial {
			return out[i].Ref.Serial < out[j].Ref.Serial
		}
		return out[i].Ref.UID < out[j].Ref.UID
	})
	return out
}
