package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/avaropoint/crunchy/internal/config"
	"github.com/avaropoint/crunchy/internal/fault"
	"github.com/avaropoint/crunchy/internal/heartbeat"
	"github.com/avaropoint/crunchy/internal/registry"
	"github.com/avaropoint/crunchy/internal/security"
	"github.com/avaropoint/crunchy/internal/shell"
	"github.com/avaropoint/crunchy/internal/store"
	"github.com/avaropoint/crunchy/internal/uid"
	"github.com/avaropoint/crunchy/internal/version"
)

// hostSubject is the promise the daemon makes for its own component record.
const hostSubject = "crunchyd host heartbeat"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the registry and its heartbeat loop until interrupted",
	Long: `Loads the platform key, the ledger and the last snapshot, registers the
daemon itself as a signed component and ticks the registry at tick_interval.
On SIGINT or SIGTERM the daemon deregisters itself and writes the snapshot.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx, cfg, logger)
	},
}

// resolveDataDir returns the configured data directory or ~/.crunchy.
func resolveDataDir(sh shell.Shell, c config.Config) (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	home, err := sh.HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".crunchy"), nil
}

func registryConfig(c config.Config) registry.Config {
	return registry.Config{
		TokenTTL:       c.TokenTTL,
		SigningTimeout: c.SigningTimeout,
		Retention:      c.Retention,
		SnapshotPath:   c.SnapshotPath,
		Promise: heartbeat.Promise{
			Strict:  c.Promise.Strict,
			Objects: c.Promise.Objects,
			Period:  c.Promise.Period,
		},
	}
}

func runDaemon(ctx context.Context, c config.Config, log *zap.Logger) error {
	log.Info("Starting crunchyd", zap.String("version", version.Version), zap.String("built", version.BuildTime))

	sh := shell.Detect()
	dataDir, err := resolveDataDir(sh, c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	platform, err := security.LoadOrCreatePlatform(dataDir)
	if err != nil {
		return fmt.Errorf("load platform key: %w", err)
	}
	log.Info("Platform key loaded", zap.String("fingerprint", platform.Fingerprint()))

	ledger, err := store.NewSQLiteStore(filepath.Join(dataDir, "ledger.db"))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close() //nolint:errcheck

	reg := registry.New(registryConfig(c),
		registry.WithPlatform(platform),
		registry.WithStore(ledger),
		registry.WithShell(sh),
		registry.WithLogger(log),
	)
	defer reg.Close()

	if err := reg.Load(ctx, c.SnapshotPath); err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Info("No snapshot found, starting empty")
		case errors.Is(err, fault.ErrIntegrityMismatch):
			log.Warn("Snapshot discarded, starting empty", zap.Error(err))
		default:
			return fmt.Errorf("load snapshot: %w", err)
		}
	}

	host, err := reg.RegisterComponent(ctx, registry.Options{
		HasUID:       true,
		HasSignedUID: true,
		KeySizeBits:  c.KeySizeBits,
		PinKey:       true,
		Promise:      &heartbeat.Promise{Strict: true, Objects: heartbeat.Unbounded, Subject: hostSubject},
	})
	if err != nil {
		return fmt.Errorf("register host component: %w", err)
	}
	log.Info("Host component registered", zap.Stringer("uid", host.UID), zap.Uint64("serial", host.Serial))

	g, gctx := errgroup.WithContext(ctx)
	events := reg.Events(gctx)
	g.Go(func() error {
		return heartbeat.NewLoop(reg, c.TickInterval, log.Named("heartbeat")).Run(gctx)
	})
	g.Go(func() error {
		logEvents(events, log.Named("events"))
		return nil
	})
	g.Go(func() error {
		return keepAlive(gctx, reg, host.UID, c, log)
	})
	runErr := g.Wait()

	// Shutdown uses a fresh context; ctx is already cancelled.
	shutdown := context.WithoutCancel(ctx)
	if err := reg.DeleteProc(shutdown, 0, host.UID); err == nil {
		reg.Deregister(shutdown, host.UID, 0, "")
	}
	if err := reg.Save(c.SnapshotPath); err != nil {
		log.Error("Snapshot save failed", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	log.Info("crunchyd stopped")
	return runErr
}

// keepAlive checks the host in twice per tick interval, so every evaluation
// of its strict promise sees a check-in, and cycles its token before the
// countdown runs out.
func keepAlive(ctx context.Context, reg *registry.Registry, id uid.UID, c config.Config, log *zap.Logger) error {
	interval := c.TickInterval / 2
	if interval <= 0 {
		interval = c.TickInterval
	}
	// TokenTTL half-intervals is TokenTTL/2 ticks.
	renewEvery := c.TokenTTL

	t := time.NewTicker(interval)
	defer t.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		if err := hostStep(ctx, reg, id, c.TokenTTL, n%renewEvery == 0); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n%renewEvery == 0 {
			log.Debug("Host token renewed", zap.Stringer("uid", id))
		}
	}
}

func hostStep(ctx context.Context, reg *registry.Registry, id uid.UID, ttl int, renew bool) error {
	if _, err := reg.CheckIn(ctx, id); err != nil {
		return fmt.Errorf("host check-in: %w", err)
	}
	if !renew {
		return nil
	}
	if err := reg.DeleteProc(ctx, 0, id); err != nil {
		return fmt.Errorf("retire host token: %w", err)
	}
	if err := reg.RunProc(ctx, ttl, id); err != nil {
		return fmt.Errorf("renew host token: %w", err)
	}
	return nil
}

func logEvents(events <-chan registry.Event, log *zap.Logger) {
	for ev := range events {
		fields := []zap.Field{
			zap.Stringer("kind", ev.Kind),
			zap.Stringer("uid", ev.UID),
			zap.Uint64("serial", ev.Serial),
		}
		if ev.Err != nil {
			fields = append(fields, zap.Error(ev.Err))
		}
		switch ev.Kind {
		case registry.EventPromiseViolation, registry.EventIntegrityMismatch, registry.EventTokenExpired:
			log.Warn("Registry event", fields...)
		default:
			log.Info("Registry event", fields...)
		}
	}
}
