package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avaropoint/crunchy/internal/config"
	"github.com/avaropoint/crunchy/internal/fault"
	"github.com/avaropoint/crunchy/internal/heartbeat"
	"github.com/avaropoint/crunchy/internal/registry"
	"github.com/avaropoint/crunchy/internal/security"
	"github.com/avaropoint/crunchy/internal/shell"
)

func testShell(home string) shell.Shell {
	return shell.New("linux", func(key string) string {
		if key == "HOME" {
			return home
		}
		return ""
	})
}

func TestResolveDataDir(t *testing.T) {
	sh := testShell("/home/crunchy")

	dir, err := resolveDataDir(sh, config.Config{})
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/home/crunchy", ".crunchy"), dir)

	dir, err = resolveDataDir(sh, config.Config{DataDir: "/var/lib/crunchy"})
	require.NoError(t, err)
	require.Equal(t, "/var/lib/crunchy", dir)

	_, err = resolveDataDir(testShell(""), config.Config{})
	require.ErrorIs(t, err, fault.ErrConfig)
}

func TestRegistryConfig(t *testing.T) {
	c := config.Defaults()
	c.SnapshotPath = "/tmp/x"
	c.Promise.Strict = true

	rc := registryConfig(c)
	require.Equal(t, c.TokenTTL, rc.TokenTTL)
	require.Equal(t, "/tmp/x", rc.SnapshotPath)
	require.Equal(t, heartbeat.Promise{Strict: true, Objects: -1, Period: 1}, rc.Promise)
}

func TestVerifySnapshot(t *testing.T) {
	home := t.TempDir()
	sh := testShell(home)
	platform := security.NewPlatform(ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)))
	ctx := context.Background()

	reg := registry.New(registry.Config{}, registry.WithPlatform(platform), registry.WithShell(sh))
	defer reg.Close()
	_, err := reg.RegisterComponent(ctx, registry.Options{HasUID: true, HasSignedUID: true, KeySizeBits: 32})
	require.NoError(t, err)
	_, err = reg.RegisterComponent(ctx, registry.Options{})
	require.NoError(t, err)

	path := filepath.Join(home, ".crcdt")
	require.NoError(t, reg.Save(path))

	var out bytes.Buffer
	require.NoError(t, verifySnapshot(&out, sh, path, platform))
	require.Contains(t, out.String(), "2 active, 0 deregistered")
	require.Contains(t, out.String(), "1 verified")

	out.Reset()
	require.NoError(t, verifySnapshot(&out, sh, path, nil))
	require.Contains(t, out.String(), "not verified")

	foreign := security.NewPlatform(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, ed25519.SeedSize)))
	require.Error(t, verifySnapshot(&out, sh, path, foreign))

	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	blob[0] ^= 0x01
	require.NoError(t, os.WriteFile(path, blob, 0600))
	require.ErrorIs(t, verifySnapshot(&out, sh, path, platform), fault.ErrIntegrityMismatch)
}
