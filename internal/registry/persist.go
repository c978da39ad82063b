package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avaropoint/crunchy/internal/fault"
	"github.com/avaropoint/crunchy/internal/heartbeat"
	"github.com/avaropoint/crunchy/internal/integrity"
	"github.com/avaropoint/crunchy/internal/keycache"
	"github.com/avaropoint/crunchy/internal/signature"
	"github.com/avaropoint/crunchy/internal/snapshot"
	"github.com/avaropoint/crunchy/internal/uid"
)

// CheckTempCRC recomputes the checksum of payload. A result different from
// checksum means the payload must not be trusted.
func (r *Registry) CheckTempCRC(checksum uint32, payload []byte) uint32 {
	got := integrity.Recompute(payload)
	if got != checksum {
		err := fault.New(fault.IntegrityMismatch, "checksum %08x, want %08x", got, checksum)
		r.log.Warn("Temp store checksum mismatch", zap.Error(err))
		r.events.Publish(Event{Kind: EventIntegrityMismatch, Err: err, At: time.Now()})
	}
	return got
}

// resolvePath picks path, then the configured snapshot path, then the
// platform default.
func (r *Registry) resolvePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if r.cfg.SnapshotPath != "" {
		return r.cfg.SnapshotPath, nil
	}
	return r.shell.SnapshotPath()
}

// Save writes the registry state to path.
func (r *Registry) Save(path string) error {
	path, err := r.resolvePath(path)
	if err != nil {
		return err
	}

	r.mu.RLock()
	f := r.export()
	r.mu.RUnlock()

	if err := snapshot.Write(r.shell, path, f); err != nil {
		return err
	}
	r.log.Debug("Snapshot saved", zap.String("path", path), zap.Int("components", len(f.Components)))
	return nil
}

// export builds the snapshot document. Caller holds mu.
func (r *Registry) export() *snapshot.File {
	f := &snapshot.File{Version: snapshot.Version, SavedAt: time.Now().UTC()}

	var recs []ComponentRecord
	for _, e := range r.records {
		recs = append(recs, e.snapshot())
	}
	for _, item := range r.retention.Items() {
		if rec, ok := item.Object.(ComponentRecord); ok {
			recs = append(recs, rec)
		}
	}
	sortRecords(recs)
	for _, rec := range recs {
		f.Components = append(f.Components, snapshot.Component{
			Serial:           rec.Serial,
			UID:              string(rec.UID),
			Signed:           rec.Signed,
			KeySizeBits:      rec.KeySizeBits,
			State:            rec.State.String(),
			CreatedAt:        rec.CreatedAt,
			DeregisteredAt:   rec.DeregisteredAt,
			Countersignature: rec.Countersignature,
			Key:              uint64(rec.Key),
		})
	}

	for _, o := range r.promises.Obligations() {
		f.Obligations = append(f.Obligations, snapshot.Obligation{
			Serial:     o.Ref.Serial,
			UID:        string(o.Ref.UID),
			Strict:     o.Strict,
			Remaining:  o.Remaining,
			Period:     o.Period,
			Misses:     o.Misses,
			PromiseKey: o.PromiseKey,
		})
	}

	for _, k := range r.keys.Entries() {
		f.Keys = append(f.Keys, snapshot.Key{Key: uint64(k.Key), Pinned: k.State == keycache.Pinned, Slot: k.Slot})
	}
	return f
}

// Load replaces the registry state with the snapshot at path. Active records
// get fresh tokens. A snapshot that fails its integrity check leaves the
// registry empty, publishes an IntegrityMismatch event and returns the error;
// a missing snapshot returns an error satisfying errors.Is(err, os.ErrNotExist)
// and changes nothing.
func (r *Registry) Load(ctx context.Context, path string) error {
	path, err := r.resolvePath(path)
	if err != nil {
		return err
	}

	f, err := snapshot.Read(r.shell, path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if errors.Is(err, fault.ErrIntegrityMismatch) {
			r.reset(ctx)
			r.log.Error("Snapshot rejected", zap.String("path", path), zap.Error(err))
			r.events.Publish(Event{Kind: EventIntegrityMismatch, Err: err, At: time.Now()})
		}
		return err
	}

	r.reset(ctx)
	if err := r.restore(ctx, f); err != nil {
		r.reset(ctx)
		return fmt.Errorf("restore snapshot: %w", err)
	}
	r.log.Info("Snapshot loaded", zap.String("path", path), zap.Int("active", len(r.records)))
	return nil
}

// reset drops all in-memory state. The ledger is untouched. Caller holds mu.
func (r *Registry) reset(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, e := range r.records {
		ref := e.rec.ref()
		_, _ = r.tokens.Release(ctx, ref)
		r.promises.Remove(ref)
	}
	r.records = make(map[uint64]*entry)
	r.retired = make(map[uid.UID]struct{})
	r.retention.Flush()
	_ = r.keys.Restore(nil)
}

// restore installs f. Caller holds mu and has reset the registry.
func (r *Registry) restore(ctx context.Context, f *snapshot.File) error {
	var maxSerial uint64
	for _, c := range f.Components {
		id, err := uid.Parse(c.UID)
		if err != nil {
			return err
		}
		rec := ComponentRecord{
			Serial:           c.Serial,
			UID:              id,
			Signed:           c.Signed,
			KeySizeBits:      c.KeySizeBits,
			State:            parseState(c.State),
			CreatedAt:        c.CreatedAt,
			DeregisteredAt:   c.DeregisteredAt,
			Countersignature: c.Countersignature,
			Key:              keycache.Key(c.Key),
		}
		if rec.Serial > maxSerial {
			maxSerial = rec.Serial
		}

		switch rec.State {
		case Active:
			tok, err := r.tokens.Mint(ctx, rec.ref(), r.cfg.TokenTTL)
			if err != nil {
				return err
			}
			rec.TokenID = tok.ID
			r.records[rec.Serial] = &entry{rec: rec}
		case Deregistered:
			if !id.IsDefault() {
				r.retired[id] = struct{}{}
			}
			r.retention.SetDefault(retentionKey(rec.Serial), rec)
		default:
			return fmt.Errorf("component %d has unknown state %q", c.Serial, c.State)
		}
	}

	var obs []heartbeat.Obligation
	for _, o := range f.Obligations {
		id, err := uid.Parse(o.UID)
		if err != nil {
			return err
		}
		if _, ok := r.records[o.Serial]; !ok {
			continue
		}
		obs = append(obs, heartbeat.Obligation{
			Ref:        signature.Ref{UID: id, Serial: o.Serial},
			Strict:     o.Strict,
			Remaining:  o.Remaining,
			Period:     o.Period,
			Misses:     o.Misses,
			PromiseKey: o.PromiseKey,
		})
	}
	r.promises.Restore(obs)

	entries := make([]keycache.Entry, 0, len(f.Keys))
	for _, k := range f.Keys {
		state := keycache.Evictable
		if k.Pinned {
			state = keycache.Pinned
		}
		entries = append(entries, keycache.Entry{Key: keycache.Key(k.Key), State: state, Slot: k.Slot})
	}
	if err := r.keys.Restore(entries); err != nil {
		return err
	}

	if maxSerial > r.nextSerial {
		r.nextSerial = maxSerial
	}
	return r.syncSerial(ctx)
}
