// Package cli is the operator command line. Every command writes JSON to
// stdout and diagnostics to stderr, and exits non-zero on any error.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yeager620/savant-ai-sub000/internal/config"
	"github.com/yeager620/savant-ai-sub000/internal/logging"
	"github.com/yeager620/savant-ai-sub000/internal/server"
	"github.com/yeager620/savant-ai-sub000/internal/store"
)

const logo = `
  ___  __ ___ ____ _ _ __ | |_
 (_-< / _` + "`" + ` \ V / _` + "`" + ` | '  \|  _|
 /__/ \__,_|\_/\__,_|_||_|\__|
`

// app carries the global flags and what PersistentPreRunE builds from them.
type app struct {
	configPath string
	verbose    bool

	cfg config.Config
	log *zap.Logger
}

// NewRootCmd builds the savant command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "savant",
		Short:         "Query recorded conversations and manage speakers",
		Long:          color.CyanString(logo) + "\nA read-only natural-language query engine over conversation transcripts.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel, a.verbose)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default $SAVANT_CONFIG or ~/.savant/config.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Debug logging on stderr")

	root.AddCommand(
		a.versionCmd(),
		a.serveCmd(),
		a.migrateCmd(),
		a.storeCmd(),
		a.queryCmd(),
		a.searchCmd(),
		a.speakerCmd(),
		a.statsCmd(),
		a.exportCmd(),
		a.historyCmd(),
		a.conversationCmd(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		printError(root.ErrOrStderr(), err)
		return 1
	}
	return 0
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", color.RedString("error:"), err)
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(cmd.OutOrStdout(), map[string]string{"version": server.Version})
		},
	}
}

// openStore opens (and migrates) the configured store.
func (a *app) openStore() (*store.Store, error) {
	return store.Open(store.Config{
		DataDir:        a.cfg.DataDir,
		ReaderPoolSize: a.cfg.Query.ReaderPoolSize,
		VoiceThreshold: a.cfg.Speakers.VoiceThreshold,
	}, a.log.Named("store"))
}

// openServer builds the full pipeline for commands that ask questions.
func (a *app) openServer(ctx context.Context) (*server.Server, error) {
	return server.New(ctx, a.cfg, a.log)
}

func info(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", color.GreenString("✓"), fmt.Sprintf(format, args...))
}

func warn(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", color.YellowString("!"), fmt.Sprintf(format, args...))
}
