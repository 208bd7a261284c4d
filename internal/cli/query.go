package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yeager620/savant-ai-sub000/internal/extract"
	"github.com/yeager620/savant-ai-sub000/internal/gateway"
	"github.com/yeager620/savant-ai-sub000/internal/intent"
)

func (a *app) queryCmd() *cobra.Command {
	var req gateway.Request
	cmd := &cobra.Command{
		Use:   "query [question]",
		Short: "Ask a question in plain English",
		Long: `Answers a question through the full query pipeline. With no argument the
request is read from stdin as {"query": "...", "session_id": "...", "page": 1}.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				req.Query = strings.Join(args, " ")
			} else if err := json.NewDecoder(cmd.InOrStdin()).Decode(&req); err != nil {
				return fmt.Errorf("decoding stdin: %w", err)
			}
			if req.Caller == "" {
				req.Caller = "cli"
			}

			srv, err := a.openServer(contextOf(cmd))
			if err != nil {
				return err
			}
			defer srv.Close() //nolint:errcheck

			resp, err := srv.Gateway().Ask(contextOf(cmd), req)
			if err != nil {
				return err
			}
			info(cmd.ErrOrStderr(), "%s", resp.Summary)
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&req.SessionID, "session", "", "Session id for follow-up questions")
	cmd.Flags().IntVar(&req.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&req.PageSize, "page-size", 0, "Rows per page (default from config)")
	return cmd
}

func (a *app) searchCmd() *cobra.Command {
	var (
		speaker string
		page    int
		size    int
	)
	cmd := &cobra.Command{
		Use:   "search <words>",
		Short: "Full-text search over what was said",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			term := strings.Join(args, " ")
			srv, err := a.openServer(contextOf(cmd))
			if err != nil {
				return err
			}
			defer srv.Close() //nolint:errcheck

			gw := srv.Gateway()
			ents := extract.Entities{}
			ents.Add(extract.Entity{Kind: extract.KindTerm, Value: term, Rule: "argument", Resolved: true})
			if speaker != "" {
				sps, err := gw.SpeakerEntities(contextOf(cmd), speaker)
				if err != nil {
					return err
				}
				for _, sp := range sps {
					ents.Add(sp)
				}
			}
			resp, err := gw.Run(contextOf(cmd), gateway.Plan{
				Caller:      "cli",
				Description: term,
				Intent:      intent.SearchContent,
				Variant:     "term",
				Entities:    ents,
				Page:        page,
				PageSize:    size,
				Rerank:      true,
				RerankText:  term,
			})
			if err != nil {
				return err
			}
			info(cmd.ErrOrStderr(), "%s", resp.Summary)
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&speaker, "speaker", "", "Only segments by this speaker (name or id)")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&size, "page-size", 0, "Rows per page (default from config)")
	return cmd
}
