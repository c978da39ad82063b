package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avaropoint/crunchy/internal/fault"
	"github.com/avaropoint/crunchy/internal/heartbeat"
	"github.com/avaropoint/crunchy/internal/security"
	"github.com/avaropoint/crunchy/internal/signature"
	"github.com/avaropoint/crunchy/internal/store"
	"github.com/avaropoint/crunchy/internal/uid"
)

// Options describes a registration.
type Options struct {
	HasUID       bool
	HasSignedUID bool
	KeySizeBits  int
	// UID is an identifier the component already owns.
	UID *uid.UID
	// TokenTTL overrides the configured token countdown when positive.
	TokenTTL int
	// Promise overrides the configured default promise.
	Promise *heartbeat.Promise
	// PinKey exempts the component's content key from eviction.
	PinKey bool
}

// Register admits a component and returns its UID. ok is false when
// nothing was registered.
func (r *Registry) Register(ctx context.Context, hasUID, hasSignedUID bool, keySizeBits int) (uid.UID, bool) {
	rec, err := r.RegisterComponent(ctx, Options{
		HasUID:       hasUID,
		HasSignedUID: hasSignedUID,
		KeySizeBits:  keySizeBits,
	})
	if err != nil {
		return "", false
	}
	return rec.UID, true
}

// RegisterComponent admits a component. It either creates an Active record
// with a token, an obligation and a content key, or leaves no trace.
func (r *Registry) RegisterComponent(ctx context.Context, o Options) (ComponentRecord, error) {
	// Countersigning may block on the authority; keep it outside the lock.
	alloc, err := r.alloc.Allocate(ctx, uid.Request{
		HasUID:       o.HasUID,
		HasSignedUID: o.HasSignedUID,
		KeySizeBits:  o.KeySizeBits,
		UID:          o.UID,
	})
	if err != nil {
		r.log.Info("Registration rejected", zap.Error(err))
		return ComponentRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.syncSerial(ctx); err != nil {
		return ComponentRecord{}, err
	}
	if err := r.checkCollision(ctx, alloc.UID); err != nil {
		r.log.Info("Registration rejected", zap.Stringer("uid", alloc.UID), zap.Error(err))
		return ComponentRecord{}, err
	}

	rec := ComponentRecord{
		Serial:           r.nextSerial + 1,
		UID:              alloc.UID,
		Signed:           alloc.Signed,
		KeySizeBits:      alloc.KeySizeBits,
		State:            Active,
		CreatedAt:        time.Now().UTC(),
		Countersignature: alloc.Countersignature,
	}
	ref := rec.ref()

	ttl := o.TokenTTL
	if ttl <= 0 {
		ttl = r.cfg.TokenTTL
	}
	tok, err := r.tokens.Mint(ctx, ref, ttl)
	if err != nil {
		return ComponentRecord{}, err
	}
	rec.TokenID = tok.ID
	undo := []func(){func() { _, _ = r.tokens.Release(context.Background(), ref) }}
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	p := r.cfg.Promise
	if o.Promise != nil {
		p = *o.Promise
	}
	if _, err := r.promises.Promise(ref, p); err != nil {
		rollback()
		return ComponentRecord{}, fmt.Errorf("attach promise to %s: %w", ref, err)
	}
	undo = append(undo, func() { r.promises.Remove(ref) })

	rec.Key = security.ContentKey(tok.Signature)
	if _, evicted, err := r.keys.Put(rec.Key, o.PinKey); err != nil {
		rollback()
		return ComponentRecord{}, err
	} else if evicted != nil {
		r.log.Debug("Content key evicted", zap.Uint64("key", uint64(evicted.Key)))
	}
	undo = append(undo, func() { r.keys.Remove(rec.Key) })

	if r.ledger != nil {
		if err := r.ledger.RecordComponent(ctx, &store.ComponentRow{
			Serial:      rec.Serial,
			UID:         string(rec.UID),
			Signed:      rec.Signed,
			KeySizeBits: rec.KeySizeBits,
			TokenID:     rec.TokenID,
			CreatedAt:   rec.CreatedAt,
		}); err != nil {
			rollback()
			return ComponentRecord{}, fmt.Errorf("record component: %w", err)
		}
	}

	r.nextSerial = rec.Serial
	r.records[rec.Serial] = &entry{rec: rec}

	r.log.Info("Component registered",
		zap.Stringer("uid", rec.UID), zap.Uint64("serial", rec.Serial),
		zap.Bool("signed", rec.Signed), zap.Int("key_size_bits", rec.KeySizeBits))
	r.events.Publish(newEvent(EventRegistered, rec, nil))
	return rec, nil
}

// syncSerial moves the serial counter past every serial in the ledger so a
// fresh registry never reuses one. Caller holds mu exclusively.
func (r *Registry) syncSerial(ctx context.Context) error {
	if r.ledger == nil || r.serialSynced {
		return nil
	}
	n, err := r.ledger.MaxSerial(ctx)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	if n > r.nextSerial {
		r.nextSerial = n
	}
	r.serialSynced = true
	return nil
}

// checkCollision rejects a non-default UID that is held by an Active
// record or was ever retired. Caller holds mu.
func (r *Registry) checkCollision(ctx context.Context, id uid.UID) error {
	if id.IsDefault() {
		return nil
	}
	if len(r.holders(id)) > 0 {
		return fault.New(fault.UIDCollision, "%s is held by an active component", id)
	}
	if _, ok := r.retired[id]; ok {
		return fault.New(fault.UIDCollision, "%s was retired", id)
	}
	if r.ledger != nil {
		retired, err := r.ledger.IsRetired(ctx, string(id))
		if err != nil {
			return fmt.Errorf("check ledger: %w", err)
		}
		if retired {
			return fault.New(fault.UIDCollision, "%s was retired", id)
		}
	}
	return nil
}

// RunProc re-arms the token of every Active holder of id with timeAlive
// ticks. A holder whose token is still live fails with DuplicateProcess.
func (r *Registry) RunProc(ctx context.Context, timeAlive int, id uid.UID) error {
	return r.eachHolder(id, func(e *entry) error {
		tok, err := r.tokens.Renew(ctx, e.rec.ref(), timeAlive)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.rec.TokenID = tok.ID
		e.mu.Unlock()
		return nil
	})
}

// DeleteProc retires the token of every Active holder of id. With
// timeLeftAlive <= 0 the tokens expire at once; otherwise their countdowns
// are clamped. Retiring a token does not deregister its record.
func (r *Registry) DeleteProc(ctx context.Context, timeLeftAlive int, id uid.UID) error {
	return r.eachHolder(id, func(e *entry) error {
		return r.tokens.Retire(ctx, e.rec.ref(), timeLeftAlive)
	})
}

// CheckIn satisfies the current period of every obligation owned by id and
// returns how many there were.
func (r *Registry) CheckIn(ctx context.Context, id uid.UID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.holders(id)) == 0 {
		return 0, fault.New(fault.UnknownProcess, "no active component %s", id)
	}
	return r.promises.CheckIn(id), nil
}

// Promise replaces the obligation of every Active holder of id. promiseMe is
// the subject the component commits to; objects is the number of check-ins
// tracked, or heartbeat.Unbounded.
func (r *Registry) Promise(ctx context.Context, id uid.UID, promiseMe string, strict bool, objects int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := heartbeat.Promise{Strict: strict, Objects: objects, Subject: promiseMe}
	return r.eachHolder(id, func(e *entry) error {
		if _, err := r.promises.Promise(e.rec.ref(), p); err != nil {
			return fmt.Errorf("promise for %s: %w", e.rec.ref(), err)
		}
		return nil
	})
}

// eachHolder applies fn to every Active holder of id and stops at the
// first failure.
func (r *Registry) eachHolder(id uid.UID, fn func(*entry) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hs := r.holders(id)
	if len(hs) == 0 {
		return fault.New(fault.UnknownProcess, "no active component %s", id)
	}
	for _, e := range hs {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

var _ signature.Lifecycle = (*signature.Manager)(nil)
