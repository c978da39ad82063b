package registry

import (
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/avaropoint/crunchy/internal/fault"
	"github.com/avaropoint/crunchy/internal/heartbeat"
	"github.com/avaropoint/crunchy/internal/keycache"
	"github.com/avaropoint/crunchy/internal/security"
	"github.com/avaropoint/crunchy/internal/shell"
	"github.com/avaropoint/crunchy/internal/snapshot"
	"github.com/avaropoint/crunchy/internal/store"
	"github.com/avaropoint/crunchy/internal/uid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testShell resolves the snapshot path inside a per-test home directory.
func testShell(t *testing.T) shell.Shell {
	t.Helper()
	home := t.TempDir()
	return shell.New("linux", func(key string) string {
		if key == "HOME" {
			return home
		}
		return ""
	})
}

func newTestRegistry(t *testing.T, cfg Config, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithShell(testShell(t))}, opts...)
	r := New(cfg, opts...)
	t.Cleanup(r.Close)
	return r
}

// subscribe returns the event stream and a drain function that collects
// everything published so far.
func subscribe(t *testing.T, r *Registry) func() []Event {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch := r.Events(ctx)
	return func() []Event {
		var out []Event
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return out
				}
				out = append(out, ev)
			default:
				return out
			}
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func explicit(t *testing.T, s string) *uid.UID {
	t.Helper()
	id, err := uid.Parse(s)
	require.NoError(t, err)
	return &id
}

func strictPromise() *heartbeat.Promise {
	return &heartbeat.Promise{Strict: true, Objects: heartbeat.Unbounded}
}

func TestRegister_LiveTokenBlocksDeregister(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	id, ok := r.Register(ctx, true, false, 16)
	require.True(t, ok)
	require.True(t, id.Fits(16), "uid %s outside [0, 65536)", id)

	recs := r.Lookup(id)
	require.Len(t, recs, 1)
	require.Equal(t, Active, recs[0].State)

	require.False(t, r.Deregister(ctx, id, 0, ""))
	require.ErrorIs(t, r.DeregisterErr(ctx, id, 0, ""), fault.ErrActiveComponentDeregisterDenied)
	require.Equal(t, Active, r.Lookup(id)[0].State)

	require.NoError(t, r.DeleteProc(ctx, 0, id))
	require.True(t, r.Deregister(ctx, id, 0, ""))

	recs = r.Lookup(id)
	require.Len(t, recs, 1)
	require.Equal(t, Deregistered, recs[0].State)
	require.NotNil(t, recs[0].DeregisteredAt)
	require.Empty(t, r.Records())

	// Deregistration is idempotent.
	require.False(t, r.Deregister(ctx, id, 0, ""))
	require.ErrorIs(t, r.DeregisterErr(ctx, id, 0, ""), fault.ErrUnknownProcess)
}

func TestRegister_ReleasesEverythingOnDeregister(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	rec, err := r.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 32, PinKey: true})
	require.NoError(t, err)
	require.NotEmpty(t, rec.TokenID)

	entry, ok := r.Keys().Get(rec.Key)
	require.True(t, ok)
	require.Equal(t, keycache.Pinned, entry.State)
	require.Equal(t, 1, r.promises.Len())

	require.NoError(t, r.DeleteProc(ctx, 0, rec.UID))
	require.True(t, r.Deregister(ctx, rec.UID, 0, ""))

	n, err := r.tokens.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, r.promises.Len())
	require.Zero(t, r.Keys().Len())
}

func TestRegister_DefaultUIDShared(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, ok := r.Register(ctx, false, false, 0)
		require.True(t, ok)
		require.Equal(t, uid.Default, id)
	}
	require.Len(t, r.Records(), 3)

	require.NoError(t, r.DeleteProc(ctx, 0, uid.Default))
	require.True(t, r.Deregister(ctx, uid.Default, 0, ""))
	require.Empty(t, r.Records())

	recs := r.Lookup(uid.Default)
	require.Len(t, recs, 3)
	for _, rec := range recs {
		require.Equal(t, Deregistered, rec.State)
	}

	// The default UID is never retired.
	_, ok := r.Register(ctx, false, false, 0)
	require.True(t, ok)
}

func TestDeregister_DefaultUIDAllOrNothing(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	_, ok := r.Register(ctx, false, false, 0)
	require.True(t, ok)
	require.NoError(t, r.DeleteProc(ctx, 0, uid.Default))

	// A second holder with a live token blocks the whole group.
	_, ok = r.Register(ctx, false, false, 0)
	require.True(t, ok)

	require.False(t, r.Deregister(ctx, uid.Default, 0, ""))
	recs := r.Records()
	require.Len(t, recs, 2)
	for _, rec := range recs {
		require.Equal(t, Active, rec.State)
	}
}

func TestDeregister_KeyLenMustMatch(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	id, ok := r.Register(ctx, true, false, 16)
	require.True(t, ok)
	require.NoError(t, r.DeleteProc(ctx, 0, id))

	require.ErrorIs(t, r.DeregisterErr(ctx, id, 32, ""), fault.ErrInvalidKeySize)
	require.True(t, r.Deregister(ctx, id, 16, ""))
}

func TestDeregister_WritesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", ".crcdt")
	r := newTestRegistry(t, Config{SnapshotPath: path})
	ctx := context.Background()

	id, ok := r.Register(ctx, true, false, 24)
	require.True(t, ok)
	require.NoError(t, r.DeleteProc(ctx, 0, id))
	require.True(t, r.Deregister(ctx, id, 0, ""))

	f, err := snapshot.Read(r.shell, path)
	require.NoError(t, err)
	require.Len(t, f.Components, 1)
	require.Equal(t, string(id), f.Components[0].UID)
	require.Equal(t, "deregistered", f.Components[0].State)

	other := filepath.Join(t.TempDir(), "explicit")
	id2, ok := r.Register(ctx, true, false, 24)
	require.True(t, ok)
	require.NoError(t, r.DeleteProc(ctx, 0, id2))
	require.True(t, r.Deregister(ctx, id2, 0, other))
	_, err = os.Stat(other)
	require.NoError(t, err)
}

func TestRegister_InvalidKeySizeLeavesNoState(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	for _, bits := range []int{0, 4, 7, 1025} {
		_, ok := r.Register(ctx, true, false, bits)
		require.False(t, ok, "bits=%d", bits)
	}
	_, err := r.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 2})
	require.ErrorIs(t, err, fault.ErrInvalidKeySize)

	require.Empty(t, r.Records())
	n, err := r.tokens.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, r.Keys().Len())
}

func TestRegister_UIDCollision(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	id := explicit(t, "beef")
	_, err := r.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16, UID: id})
	require.NoError(t, err)

	_, err = r.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16, UID: id})
	require.ErrorIs(t, err, fault.ErrUIDCollision)
	require.Len(t, r.Records(), 1)

	require.NoError(t, r.DeleteProc(ctx, 0, *id))
	require.True(t, r.Deregister(ctx, *id, 0, ""))

	// Deregistered UIDs are never reused.
	_, err = r.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16, UID: id})
	require.ErrorIs(t, err, fault.ErrUIDCollision)
	require.Empty(t, r.Records())
}

func TestRegister_UIDSpellingsCollide(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	lower := uid.UID("ff")
	rec, err := r.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16, UID: &lower})
	require.NoError(t, err)
	require.Equal(t, uid.UID("ff"), rec.UID)

	padded := uid.UID("00FF")
	_, err = r.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16, UID: &padded})
	require.ErrorIs(t, err, fault.ErrUIDCollision)
	require.Len(t, r.Records(), 1)
	require.Len(t, r.Lookup(padded), 1)

	_, err = r.CheckIn(ctx, padded)
	require.NoError(t, err)
	require.NoError(t, r.DeleteProc(ctx, 0, padded))
	require.True(t, r.Deregister(ctx, padded, 0, ""))
	require.Empty(t, r.Records())

	_, err = r.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16, UID: &padded})
	require.ErrorIs(t, err, fault.ErrUIDCollision)
}

func TestRegister_PaddedDefaultUIDRejected(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	padded := uid.UID("01")
	_, err := r.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16, UID: &padded})
	require.ErrorIs(t, err, fault.ErrInvalidUID)
	require.Empty(t, r.Records())
}

func TestRegister_InvalidPromiseRollsBack(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	_, err := r.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16, Promise: &heartbeat.Promise{Objects: 0}})
	require.ErrorIs(t, err, fault.ErrInvalidPromise)
	require.Empty(t, r.Records())
	n, err := r.tokens.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRegister_UniqueAmongActive(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		bits := rapid.IntRange(uid.MinKeySize, 64).Draw(rt, "bits")
		rec, err := r.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: bits})
		if err != nil {
			require.ErrorIs(rt, err, fault.ErrUIDCollision)
			return
		}
		require.True(rt, rec.UID.Fits(bits))
		require.False(rt, rec.UID.IsDefault())

		seen := make(map[uid.UID]bool)
		for _, active := range r.Records() {
			require.False(rt, seen[active.UID], "duplicate active uid %s", active.UID)
			seen[active.UID] = true
		}
	})
}

func TestRegister_Concurrent(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				_, _ = r.Register(ctx, true, false, 48)
				_ = r.Tick(ctx)
			}
		}()
	}
	wg.Wait()

	seen := make(map[uid.UID]bool)
	serials := make(map[uint64]bool)
	for _, rec := range r.Records() {
		require.False(t, seen[rec.UID])
		require.False(t, serials[rec.Serial])
		seen[rec.UID] = true
		serials[rec.Serial] = true
	}
}

func TestRegister_SignedUID(t *testing.T) {
	p := security.NewPlatform(ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)))
	r := newTestRegistry(t, Config{}, WithPlatform(p))
	ctx := context.Background()

	rec, err := r.RegisterComponent(ctx, Options{HasUID: true, HasSignedUID: true, KeySizeBits: 32})
	require.NoError(t, err)
	require.True(t, rec.Signed)

	id, bits, err := p.VerifyCountersignature(rec.Countersignature)
	require.NoError(t, err)
	require.Equal(t, rec.UID, id)
	require.Equal(t, 32, bits)
}

func TestRegister_SigningUnavailable(t *testing.T) {
	r := newTestRegistry(t, Config{})

	_, err := r.RegisterComponent(context.Background(), Options{HasUID: true, HasSignedUID: true, KeySizeBits: 16})
	require.ErrorIs(t, err, fault.ErrSigningUnavailable)
	require.Empty(t, r.Records())
}

func TestRegister_CacheFullRollsBack(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	for i := 0; i < keycache.Capacity; i++ {
		_, err := r.RegisterComponent(ctx, Options{PinKey: true})
		require.NoError(t, err)
	}

	_, err := r.RegisterComponent(ctx, Options{PinKey: true})
	require.ErrorIs(t, err, fault.ErrCacheFull)

	require.Len(t, r.Records(), keycache.Capacity)
	n, err := r.tokens.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, keycache.Capacity, n)
	require.Equal(t, keycache.Capacity, r.promises.Len())
}

func TestRegister_EvictsUnpinnedKeys(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	first, err := r.RegisterComponent(ctx, Options{})
	require.NoError(t, err)
	for i := 1; i < keycache.Capacity; i++ {
		_, err := r.RegisterComponent(ctx, Options{})
		require.NoError(t, err)
	}

	_, err = r.RegisterComponent(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, keycache.Capacity, r.Keys().Len())
	_, ok := r.Keys().Get(first.Key)
	require.False(t, ok, "oldest evictable key goes first")
}

func TestRunProc(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	rec, err := r.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16})
	require.NoError(t, err)

	require.ErrorIs(t, r.RunProc(ctx, 10, rec.UID), fault.ErrDuplicateProcess)

	require.NoError(t, r.DeleteProc(ctx, 0, rec.UID))
	require.NoError(t, r.RunProc(ctx, 10, rec.UID))

	renewed := r.Lookup(rec.UID)[0]
	require.NotEqual(t, rec.TokenID, renewed.TokenID)
	require.False(t, r.Deregister(ctx, rec.UID, 0, ""), "renewed token is live again")
}

func TestProc_UnknownUID(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	require.ErrorIs(t, r.DeleteProc(ctx, 0, uid.UID("abc")), fault.ErrUnknownProcess)
	require.ErrorIs(t, r.RunProc(ctx, 5, uid.UID("abc")), fault.ErrUnknownProcess)
	_, err := r.CheckIn(ctx, uid.UID("abc"))
	require.ErrorIs(t, err, fault.ErrUnknownProcess)
}

func TestTick_StrictMissDeregisters(t *testing.T) {
	r := newTestRegistry(t, Config{})
	drain := subscribe(t, r)
	ctx := context.Background()

	rec, err := r.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16, Promise: strictPromise()})
	require.NoError(t, err)
	drain()

	// Registration covers the first period.
	require.NoError(t, r.Tick(ctx))
	require.Len(t, r.Records(), 1)

	require.NoError(t, r.Tick(ctx))
	require.Empty(t, r.Records())
	require.Equal(t, Deregistered, r.Lookup(rec.UID)[0].State)

	events := drain()
	require.Equal(t, []EventKind{EventPromiseViolation, EventDeregistered}, kinds(events))
	require.ErrorIs(t, events[0].Err, fault.ErrPromiseViolation)
}

func TestTick_CheckInKeepsStrictAlive(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	rec, err := r.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16, Promise: strictPromise()})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Tick(ctx))
		n, err := r.CheckIn(ctx, rec.UID)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	require.Len(t, r.Records(), 1)
}

// Strict default-UID holders share one check-in stream, so a missed
// check-in violates all of them in the same tick. Lenient holders only
// count the miss.
func TestTick_DefaultUIDStrictHoldersViolateTogether(t *testing.T) {
	r := newTestRegistry(t, Config{})
	drain := subscribe(t, r)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.RegisterComponent(ctx, Options{Promise: strictPromise()})
		require.NoError(t, err)
	}
	lenient, err := r.RegisterComponent(ctx, Options{})
	require.NoError(t, err)
	drain()

	require.NoError(t, r.Tick(ctx))
	require.NoError(t, r.Tick(ctx))

	recs := r.Records()
	require.Len(t, recs, 1)
	require.Equal(t, lenient.Serial, recs[0].Serial)

	o, ok := r.promises.Get(lenient.ref())
	require.True(t, ok)
	require.Equal(t, 1, o.Misses)

	require.ElementsMatch(t, []EventKind{
		EventPromiseViolation, EventDeregistered,
		EventPromiseViolation, EventDeregistered,
		EventPromiseMissed,
	}, kinds(drain()))
}

func TestTick_DefaultUIDCheckInIsCollective(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.RegisterComponent(ctx, Options{Promise: strictPromise()})
		require.NoError(t, err)
	}
	require.NoError(t, r.Tick(ctx))

	n, err := r.CheckIn(ctx, uid.Default)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, r.Tick(ctx))
	require.Len(t, r.Records(), 3)
}

func TestTick_TokenExpiryDeregisters(t *testing.T) {
	r := newTestRegistry(t, Config{TokenTTL: 2})
	drain := subscribe(t, r)
	ctx := context.Background()

	id, ok := r.Register(ctx, true, false, 16)
	require.True(t, ok)
	drain()

	require.NoError(t, r.Tick(ctx))
	require.Len(t, r.Records(), 1)
	require.NoError(t, r.Tick(ctx))
	require.Empty(t, r.Records())

	require.Equal(t, []EventKind{EventTokenExpired, EventDeregistered}, kinds(drain()))
	require.Equal(t, Deregistered, r.Lookup(id)[0].State)
}

func TestTick_DeleteProcClampsCountdown(t *testing.T) {
	r := newTestRegistry(t, Config{TokenTTL: 100})
	ctx := context.Background()

	id, ok := r.Register(ctx, true, false, 16)
	require.True(t, ok)
	require.NoError(t, r.DeleteProc(ctx, 2, id))
	require.False(t, r.Deregister(ctx, id, 0, ""), "clamped token is still live")

	require.NoError(t, r.Tick(ctx))
	require.NoError(t, r.Tick(ctx))
	require.Empty(t, r.Records())
}

func TestTick_BoundedPromiseRetires(t *testing.T) {
	r := newTestRegistry(t, Config{})
	drain := subscribe(t, r)
	ctx := context.Background()

	rec, err := r.RegisterComponent(ctx, Options{Promise: &heartbeat.Promise{Objects: 2}})
	require.NoError(t, err)
	drain()

	require.NoError(t, r.Tick(ctx))
	require.NoError(t, r.Tick(ctx))

	require.Equal(t, []EventKind{EventPromiseMissed, EventPromiseRetired}, kinds(drain()))
	require.Zero(t, r.promises.Len())
	require.Equal(t, Active, r.Lookup(rec.UID)[0].State)
}

func TestPromise_Replaces(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	rec, err := r.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16})
	require.NoError(t, err)

	require.NoError(t, r.Promise(ctx, rec.UID, "render frames", true, 3))
	o, ok := r.promises.Get(rec.ref())
	require.True(t, ok)
	require.True(t, o.Strict)
	require.Equal(t, 3, o.Remaining)
	require.Equal(t, heartbeat.PromiseKey("render frames"), o.PromiseKey)

	err = r.Promise(ctx, rec.UID, "x", false, 0)
	require.ErrorIs(t, err, fault.ErrInvalidPromise)
	require.NotErrorIs(t, err, fault.ErrPromiseViolation)
	require.ErrorIs(t, r.Promise(ctx, uid.UID("abc"), "x", false, 1), fault.ErrUnknownProcess)
}

func TestCheckTempCRC(t *testing.T) {
	r := newTestRegistry(t, Config{})
	drain := subscribe(t, r)

	payload := []byte("123456789")
	require.Equal(t, uint32(0xe3069283), r.CheckTempCRC(0xe3069283, payload))
	require.Empty(t, drain())

	require.Equal(t, uint32(0xe3069283), r.CheckTempCRC(0, payload))
	events := drain()
	require.Equal(t, []EventKind{EventIntegrityMismatch}, kinds(events))
	require.ErrorIs(t, events[0].Err, fault.ErrIntegrityMismatch)
}

func TestSaveLoad(t *testing.T) {
	sh := testShell(t)
	path := filepath.Join(t.TempDir(), ".crcdt")
	ctx := context.Background()

	r1 := newTestRegistry(t, Config{}, WithShell(sh))
	kept, err := r1.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16, PinKey: true, Promise: strictPromise()})
	require.NoError(t, err)
	_, err = r1.RegisterComponent(ctx, Options{})
	require.NoError(t, err)
	gone, err := r1.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16})
	require.NoError(t, err)
	require.NoError(t, r1.DeleteProc(ctx, 0, gone.UID))
	require.True(t, r1.Deregister(ctx, gone.UID, 0, ""))

	require.NoError(t, r1.Save(path))

	r2 := newTestRegistry(t, Config{}, WithShell(sh))
	require.NoError(t, r2.Load(ctx, path))

	before := r1.Records()
	after := r2.Records()
	require.Len(t, after, len(before))
	for i := range before {
		require.Equal(t, before[i].Serial, after[i].Serial)
		require.Equal(t, before[i].UID, after[i].UID)
		require.Equal(t, before[i].Key, after[i].Key)
		require.NotEmpty(t, after[i].TokenID)
	}
	require.Equal(t, Deregistered, r2.Lookup(gone.UID)[0].State)

	o, ok := r2.promises.Get(kept.ref())
	require.True(t, ok)
	require.True(t, o.Strict)

	entry, ok := r2.Keys().Get(kept.Key)
	require.True(t, ok)
	require.Equal(t, keycache.Pinned, entry.State)

	// Restored records are live again and the retired UID stays retired.
	require.False(t, r2.Deregister(ctx, kept.UID, 0, ""))
	_, err = r2.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16, UID: &gone.UID})
	require.ErrorIs(t, err, fault.ErrUIDCollision)

	next, err := r2.RegisterComponent(ctx, Options{})
	require.NoError(t, err)
	require.Greater(t, next.Serial, gone.Serial)
}

func TestLoad_CorruptedResetsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".crcdt")
	r := newTestRegistry(t, Config{})
	drain := subscribe(t, r)
	ctx := context.Background()

	_, ok := r.Register(ctx, true, false, 16)
	require.True(t, ok)
	require.NoError(t, r.Save(path))

	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, blob, 0600))
	drain()

	err = r.Load(ctx, path)
	require.ErrorIs(t, err, fault.ErrIntegrityMismatch)
	require.Empty(t, r.Records())
	require.Zero(t, r.Keys().Len())
	n, err := r.tokens.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.Equal(t, []EventKind{EventIntegrityMismatch}, kinds(drain()))
}

func TestLoad_MissingKeepsState(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	_, ok := r.Register(ctx, true, false, 16)
	require.True(t, ok)

	err := r.Load(ctx, filepath.Join(t.TempDir(), "absent"))
	require.True(t, errors.Is(err, os.ErrNotExist))
	require.Len(t, r.Records(), 1)
}

func TestSave_DefaultsToShellPath(t *testing.T) {
	sh := testShell(t)
	r := newTestRegistry(t, Config{}, WithShell(sh))

	require.NoError(t, r.Save(""))
	path, err := sh.SnapshotPath()
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestLedger_RetiredUIDSurvivesRestart(t *testing.T) {
	ledger, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	ctx := context.Background()

	r1 := newTestRegistry(t, Config{}, WithStore(ledger))
	id := explicit(t, "cafe")
	first, err := r1.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16, UID: id})
	require.NoError(t, err)
	require.NoError(t, r1.DeleteProc(ctx, 0, *id))
	require.True(t, r1.Deregister(ctx, *id, 0, ""))

	row, err := ledger.GetComponent(ctx, first.Serial)
	require.NoError(t, err)
	require.NotNil(t, row.DeregisteredAt)

	// A fresh registry has no memory of the UID; the ledger does.
	r2 := newTestRegistry(t, Config{}, WithStore(ledger))
	_, err = r2.RegisterComponent(ctx, Options{HasUID: true, KeySizeBits: 16, UID: id})
	require.ErrorIs(t, err, fault.ErrUIDCollision)

	rec, err := r2.RegisterComponent(ctx, Options{})
	require.NoError(t, err)
	require.Greater(t, rec.Serial, first.Serial)

	rows, err := ledger.ListComponents(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}
