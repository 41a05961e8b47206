package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/loqalabs/voicelock/internal/config"
	"github.com/loqalabs/voicelock/internal/runtime"
)

var version = "0.1.0-dev"

type options struct {
	configPath string
	verbose    bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "voicelock",
		Short: "Manage enrolled voiceprints",
		Long: `voicelock - administer the voiceprint store of a voicelock deployment.

Commands open the store and embedding model named in the configuration
file directly. Disk-backed stores are locked by whichever process opened
them first, so stop the daemon before changing its store here.

Examples:
  voicelock --config voicelock.yaml list
  voicelock register alice alice.wav
  voicelock verify alice sample.wav
  voicelock events alice --limit 20`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file (defaults plus VOICELOCK_* env when empty)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		newListCmd(opts),
		newRegisterCmd(opts),
		newVerifyCmd(opts),
		newDeleteCmd(opts),
		newEventsCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func (o *options) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// openCore loads configuration and opens the store, audit log and model.
func (o *options) openCore(ctx context.Context, cmd *cobra.Command) (*runtime.Core, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	return runtime.OpenCore(ctx, cfg, nil, o.logger(cmd))
}
