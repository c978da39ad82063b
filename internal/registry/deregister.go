package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/avaropoint/crunchy/internal/fault"
	"github.com/avaropoint/crunchy/internal/uid"
)

// Deregister retires every Active holder of id and reports whether it did.
// See DeregisterErr for the reasons it may refuse.
func (r *Registry) Deregister(ctx context.Context, id uid.UID, keyLen int, path string) bool {
	if err := r.DeregisterErr(ctx, id, keyLen, path); err != nil {
		r.log.Info("Deregistration refused", zap.Stringer("uid", id), zap.Error(err))
		return false
	}
	return true
}

// DeregisterErr is Deregister with the refusal reason. It fails when id has
// no Active holder, when keyLen is positive and differs from a holder's key
// size, or when any holder still has a live token. For the default UID every
// holder is deregistered in one step, or none is.
//
// After a successful deregistration the snapshot is written to path, or to
// the configured snapshot path when path is empty.
func (r *Registry) DeregisterErr(ctx context.Context, id uid.UID, keyLen int, path string) error {
	r.mu.Lock()
	hs := r.holders(id)
	if len(hs) == 0 {
		r.mu.Unlock()
		return fault.New(fault.UnknownProcess, "no active component %s", id)
	}
	for _, e := range hs {
		if keyLen > 0 && !id.IsDefault() && e.rec.KeySizeBits != keyLen {
			r.mu.Unlock()
			return fault.New(fault.InvalidKeySize, "%s holds a %d-bit key, not %d", id, e.rec.KeySizeBits, keyLen)
		}
		tok, found, err := r.tokens.Get(ctx, e.rec.ref())
		if err != nil {
			r.mu.Unlock()
			return err
		}
		if found && !tok.Expired {
			r.mu.Unlock()
			return fault.New(fault.ActiveComponentDeregisterDenied,
				"%s has live token %s", e.rec.ref(), tok.ID)
		}
	}

	now := time.Now().UTC()
	events := make([]Event, 0, len(hs))
	for _, e := range hs {
		events = append(events, r.retire(ctx, e, now, nil))
	}
	r.mu.Unlock()
	r.publish(events)

	if path == "" {
		path = r.cfg.SnapshotPath
	}
	if path != "" {
		if err := r.Save(path); err != nil {
			r.log.Warn("Snapshot after deregistration failed", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

// retire moves e to Deregistered, releasing its token, obligation and
// content key. It skips the live-token check; callers decide whether the
// retirement is allowed. Caller holds mu exclusively.
func (r *Registry) retire(ctx context.Context, e *entry, at time.Time, cause error) Event {
	// Once started a retirement runs to completion.
	ctx = context.WithoutCancel(ctx)

	e.mu.Lock()
	e.rec.State = Deregistered
	e.rec.DeregisteredAt = &at
	rec := e.rec
	e.mu.Unlock()

	ref := rec.ref()
	if _, err := r.tokens.Release(ctx, ref); err != nil {
		r.log.Warn("Token release failed", zap.Stringer("ref", ref), zap.Error(err))
	}
	r.promises.Remove(ref)
	r.keys.Remove(rec.Key)

	delete(r.records, rec.Serial)
	if !rec.UID.IsDefault() {
		r.retired[rec.UID] = struct{}{}
	}
	r.retention.SetDefault(retentionKey(rec.Serial), rec)

	if r.ledger != nil {
		if err := r.ledger.MarkDeregistered(ctx, rec.Serial, at); err != nil {
			r.log.Warn("Ledger update failed", zap.Uint64("serial", rec.Serial), zap.Error(err))
		}
	}

	fields := []zap.Field{zap.Stringer("uid", rec.UID), zap.Uint64("serial", rec.Serial)}
	if cause != nil {
		fields = append(fields, zap.NamedError("cause", cause))
	}
	r.log.Info("Component deregistered", fields...)
	return newEvent(EventDeregistered, rec, cause)
}
