package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/avaropoint/crunchy/internal/security"
	"github.com/avaropoint/crunchy/internal/shell"
	"github.com/avaropoint/crunchy/internal/snapshot"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [snapshot]",
	Short: "Check a snapshot's integrity",
	Long: `Reads a snapshot, checks its trailing checksum and prints a summary.
When the platform key is present in the data directory, the countersignature
of every signed component is verified too. Defaults to the platform snapshot
path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sh := shell.Detect()
		path := cfg.SnapshotPath
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			var err error
			if path, err = sh.SnapshotPath(); err != nil {
				return err
			}
		}

		var platform *security.Platform
		if dataDir, err := resolveDataDir(sh, cfg); err == nil {
			p, err := security.LoadPlatform(dataDir)
			switch {
			case err == nil:
				platform = p
			case !errors.Is(err, os.ErrNotExist):
				return fmt.Errorf("load platform key: %w", err)
			}
		}
		return verifySnapshot(cmd.OutOrStdout(), sh, path, platform)
	},
}

// verifySnapshot reads path and reports on it. A nil platform skips the
// countersignature check.
func verifySnapshot(w io.Writer, sh shell.Shell, path string, platform *security.Platform) error {
	f, err := snapshot.Read(sh, path)
	if err != nil {
		return err
	}

	var active, deregistered, signed int
	for _, c := range f.Components {
		switch c.State {
		case "active":
			active++
		case "deregistered":
			deregistered++
		}
		if !c.Signed {
			continue
		}
		signed++
		if platform == nil {
			continue
		}
		id, bits, err := platform.VerifyCountersignature(c.Countersignature)
		if err != nil {
			return fmt.Errorf("component %d: %w", c.Serial, err)
		}
		if string(id) != c.UID || bits != c.KeySizeBits {
			return fmt.Errorf("component %d: countersignature is for %s/%d bits", c.Serial, id, bits)
		}
	}

	fmt.Fprintf(w, "Snapshot:      %s\n", path)
	fmt.Fprintf(w, "Version:       %d\n", f.Version)
	fmt.Fprintf(w, "Saved at:      %s\n", f.SavedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "Components:    %d active, %d deregistered\n", active, deregistered)
	fmt.Fprintf(w, "Obligations:   %d\n", len(f.Obligations))
	fmt.Fprintf(w, "Keys:          %d\n", len(f.Keys))
	if platform != nil {
		fmt.Fprintf(w, "Countersigned: %d verified\n", signed)
	} else {
		fmt.Fprintf(w, "Countersigned: %d (not verified, no platform key)\n", signed)
	}
	fmt.Fprintln(w, "Integrity:     ok")
	return nil
}
