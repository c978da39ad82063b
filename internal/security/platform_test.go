package security

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avaropoint/crunchy/internal/uid"
)

func testPlatform(t *testing.T) *Platform {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	return NewPlatform(ed25519.NewKeyFromSeed(seed))
}

func TestCountersign_RoundTrip(t *testing.T) {
	p := testPlatform(t)

	cs, err := p.Countersign(context.Background(), uid.UID("beef"), 16)
	require.NoError(t, err)
	require.Equal(t, uid.UID("beef"), cs.UID)

	id, bits, err := p.VerifyCountersignature(cs.Signature)
	require.NoError(t, err)
	require.Equal(t, uid.UID("beef"), id)
	require.Equal(t, 16, bits)
}

func TestVerifyCountersignature_Rejects(t *testing.T) {
	p := testPlatform(t)
	cs, err := p.Countersign(context.Background(), uid.UID("beef"), 16)
	require.NoError(t, err)

	other := NewPlatform(ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)))
	_, _, err = other.VerifyCountersignature(cs.Signature)
	require.Error(t, err, "foreign platform must not accept")

	tampered := "v1.beee.16." + cs.Signature[len("v1.beef.16."):]
	_, _, err = p.VerifyCountersignature(tampered)
	require.Error(t, err)

	_, _, err = p.VerifyCountersignature("v2.beef.16.00")
	require.Error(t, err)
}

func TestCountersign_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testPlatform(t).Countersign(ctx, uid.UID("1"), 8)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAllocatorUsesPlatform(t *testing.T) {
	p := testPlatform(t)
	a := uid.NewAllocator(uid.WithAuthority(p))

	got, err := a.Allocate(context.Background(), uid.Request{HasUID: true, HasSignedUID: true, KeySizeBits: 64})
	require.NoError(t, err)
	require.True(t, got.Signed)

	id, bits, err := p.VerifyCountersignature(got.Countersignature)
	require.NoError(t, err)
	require.Equal(t, got.UID, id)
	require.Equal(t, 64, bits)
}

func TestSignAndContentKey_Deterministic(t *testing.T) {
	p := testPlatform(t)
	a := p.Sign([]byte("token-1"))
	require.Equal(t, a, p.Sign([]byte("token-1")))
	require.NotEqual(t, a, p.Sign([]byte("token-2")))
	require.Equal(t, ContentKey(a), ContentKey(a))
	require.NotEqual(t, ContentKey(a), ContentKey(p.Sign([]byte("token-2"))))
}

func TestLoadOrCreatePlatform_Persists(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreatePlatform(dir)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "platform.key"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := LoadOrCreatePlatform(dir)
	require.NoError(t, err)
	require.Equal(t, first.Fingerprint(), second.Fingerprint())
	require.Equal(t, first.Sign([]byte("x")), second.Sign([]byte("x")))
}

func TestLoadOrCreatePlatform_BadKeyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "platform.key"), []byte("junk"), 0600))
	_, err := LoadOrCreatePlatform(dir)
	require.Error(t, err)
}

func TestLoadPlatform_RequiresExistingKey(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadPlatform(dir)
	require.ErrorIs(t, err, os.ErrNotExist)

	created, err := LoadOrCreatePlatform(dir)
	require.NoError(t, err)
	loaded, err := LoadPlatform(dir)
	require.NoError(t, err)
	require.Equal(t, created.Fingerprint(), loaded.Fingerprint())
}
