package cli

import (
	"github.com/spf13/cobra"

	"github.com/yeager620/savant-ai-sub000/internal/store"
)

func (a *app) exportCmd() *cobra.Command {
	var (
		filter       store.ExportFilter
		since, until string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump conversations, segments, speakers and relationships as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if filter.Since, err = storageTime("since", since, false); err != nil {
				return err
			}
			if filter.Until, err = storageTime("until", until, true); err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			bundle, err := st.Export(contextOf(cmd), filter)
			if err != nil {
				return err
			}
			info(cmd.ErrOrStderr(), "exported %d conversation(s), %d segment(s)", len(bundle.Conversations), len(bundle.Segments))
			return writeJSON(cmd.OutOrStdout(), bundle)
		},
	}
	cmd.Flags().StringVar(&filter.ConversationID, "conversation", "", "Only this conversation")
	cmd.Flags().StringVar(&filter.SpeakerID, "speaker", "", "Only segments by this speaker id")
	cmd.Flags().StringVar(&since, "since", "", "From this date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&until, "until", "", "Up to this date (YYYY-MM-DD inclusive, or RFC 3339)")
	return cmd
}
