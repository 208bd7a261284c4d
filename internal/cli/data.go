package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yeager620/savant-ai-sub000/internal/ingest"
)

func (a *app) storeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store",
		Short: "Ingest transcript segments (JSON object or array on stdin)",
		Long: `Reads segments from stdin and stores them, grouping each channel's segments
into conversations by the configured gap. Example:

  echo '{"channel":"mic","speaker_name":"John","spoken_at":"2026-05-06T10:00:00Z",
         "end_offset":4.2,"raw_text":"morning all"}' | savant store`,
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := readJSONList[ingest.Input](cmd.InOrStdin())
			if err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			ing := ingest.New(st, a.cfg.Ingest.ConversationGap, a.log.Named("ingest"))
			results := make([]*ingest.Result, 0, len(inputs))
			for i, in := range inputs {
				res, err := ing.Append(contextOf(cmd), in)
				if err != nil {
					return fmt.Errorf("segment %d: %w", i, err)
				}
				results = append(results, res)
			}
			info(cmd.ErrOrStderr(), "stored %d segment(s)", len(results))
			return writeJSON(cmd.OutOrStdout(), results)
		},
	}
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			stats, err := st.Stats(contextOf(cmd))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent queries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			recs, err := st.RecentHistory(contextOf(cmd), limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum records")
	return cmd
}

func (a *app) conversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversation",
		Short: "Administer conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var confirm bool
	purge := &cobra.Command{
		Use:   "purge <conversation-id>",
		Short: "Delete a conversation and its segments, recomputing speaker totals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("purge deletes conversation %s permanently; re-run with --confirm", args[0])
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			res, err := st.PurgeConversation(contextOf(cmd), args[0])
			if err != nil {
				return err
			}
			warn(cmd.ErrOrStderr(), "purged %s (%d segments)", res.ConversationID, res.SegmentsDeleted)
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	purge.Flags().BoolVar(&confirm, "confirm", false, "Confirm the deletion")
	cmd.AddCommand(purge)
	return cmd
}
