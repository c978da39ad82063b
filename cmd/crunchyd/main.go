// Command crunchyd hosts the component identity registry: it owns the
// platform key, the ledger and the snapshot, and drives the heartbeat loop.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/avaropoint/crunchy/internal/config"
	"github.com/avaropoint/crunchy/internal/version"
)

var (
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "crunchyd",
	Short: "Component identity registry daemon",
	Long: `crunchyd assigns identifiers to running components, signs their
self-signature tokens and re-validates their liveness on every tick.

State is kept in a checksummed snapshot ($HOME/.crcdt, or %USERPROFILE%\.crcdt
on Windows) and every record is written to a SQLite ledger.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(viper.GetViper(), cfgFile); err != nil {
			return err
		}

		zc := zap.NewProductionConfig()
		level, _ := zapcore.ParseLevel(cfg.LogLevel)
		zc.Level = zap.NewAtomicLevelAt(level)
		if logger, err = zc.Build(); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/crunchy/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory for the platform key and ledger")
	rootCmd.PersistentFlags().String("snapshot", "", "snapshot path (default: platform home/.crcdt)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("snapshot_path", rootCmd.PersistentFlags().Lookup("snapshot"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(runCmd, verifyCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
