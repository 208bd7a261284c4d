package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (a *app) serveCmd() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio, or on a Unix socket with --socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := a.openServer(ctx)
			if err != nil {
				return err
			}
			defer srv.Close() //nolint:errcheck

			a.log.Info("serving", zap.String("socket", socket), zap.String("data_dir", a.cfg.DataDir))
			return srv.Serve(ctx, socket)
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "Unix socket path (default: stdio)")
	return cmd
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			report, err := st.Migrate(contextOf(cmd))
			if err != nil {
				return err
			}
			info(cmd.ErrOrStderr(), "schema at version %d", report.Version)
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
