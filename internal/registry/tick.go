package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avaropoint/crunchy/internal/fault"
	"github.com/avaropoint/crunchy/internal/heartbeat"
)

// Tick advances every token countdown and evaluates every obligation once.
// Records whose tokens counted down to zero, and records that missed a
// strict promise, are deregistered before Tick returns. Tick holds the
// structure lock for its whole run.
func (r *Registry) Tick(ctx context.Context) error {
	r.mu.Lock()

	expired, err := r.tokens.Tick(ctx)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	outcomes := r.promises.Evaluate()

	now := time.Now().UTC()
	var events []Event
	for _, tok := range expired {
		e, ok := r.records[tok.Ref.Serial]
		if !ok {
			continue
		}
		rec := e.snapshot()
		cause := fmt.Errorf("token %s expired", tok.ID)
		events = append(events, newEvent(EventTokenExpired, rec, cause))
		events = append(events, r.retire(ctx, e, now, cause))
	}

	for _, out := range outcomes {
		ref := out.Obligation.Ref
		e, ok := r.records[ref.Serial]
		if !ok {
			continue
		}
		rec := e.snapshot()
		switch out.Kind {
		case heartbeat.OutcomeViolation:
			cause := fault.New(fault.PromiseViolation, "%s missed a strict check-in", ref)
			r.log.Warn("Promise violated", zap.Stringer("ref", ref))
			events = append(events, newEvent(EventPromiseViolation, rec, cause))
			events = append(events, r.retire(ctx, e, now, cause))
		case heartbeat.OutcomeMissed:
			r.log.Debug("Promise missed", zap.Stringer("ref", ref), zap.Int("misses", out.Obligation.Misses))
			events = append(events, newEvent(EventPromiseMissed, rec, nil))
		case heartbeat.OutcomeRetired:
			events = append(events, newEvent(EventPromiseRetired, rec, nil))
		}
	}

	r.retention.DeleteExpired()
	r.mu.Unlock()

	r.publish(events)
	return nil
}

var _ heartbeat.Ticker = (*Registry)(nil)
