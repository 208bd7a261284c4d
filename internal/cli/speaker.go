package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yeager620/savant-ai-sub000/internal/store"
)

func (a *app) speakerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "speaker",
		Short: "List, add, merge and de-duplicate speakers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(a.speakerListCmd(), a.speakerAddCmd(), a.speakerMergeCmd(), a.speakerDuplicatesCmd())
	return cmd
}

func (a *app) speakerListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List speakers",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			speakers, err := st.ListSpeakers(contextOf(cmd), all)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), speakers)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include merged speakers")
	return cmd
}

func (a *app) speakerAddCmd() *cobra.Command {
	var p store.NewSpeaker
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a speaker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.DisplayName == "" {
				return fmt.Errorf("--name is required")
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			sp, err := st.CreateSpeaker(contextOf(cmd), p)
			if err != nil {
				return err
			}
			info(cmd.ErrOrStderr(), "created speaker %s", sp.ID)
			return writeJSON(cmd.OutOrStdout(), sp)
		},
	}
	cmd.Flags().StringVar(&p.ID, "id", "", "Speaker id (generated when empty)")
	cmd.Flags().StringVar(&p.DisplayName, "name", "", "Display name")
	cmd.Flags().StringSliceVar(&p.TextPatterns, "pattern", nil, "Text pattern for attribution (repeatable)")
	return cmd
}

func (a *app) speakerMergeCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "merge <primary-id> <secondary-id>",
		Short: "Fold the secondary speaker into the primary",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("merging %s into %s cannot be undone; re-run with --confirm", args[1], args[0])
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			res, err := st.MergeSpeakers(contextOf(cmd), args[0], args[1], store.MergeManual, 1)
			if err != nil {
				return err
			}
			info(cmd.ErrOrStderr(), "merged %s into %s (%d segments moved)", res.SecondaryID, res.Primary.ID, res.SegmentsMoved)
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm the merge")
	return cmd
}

type duplicatesReport struct {
	Candidates []store.DuplicateCandidate `json:"candidates"`
	Merged     []*store.MergeResult       `json:"merged,omitempty"`
}

func (a *app) speakerDuplicatesCmd() *cobra.Command {
	var auto bool
	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "Propose speakers that are likely the same person",
		Long: `Lists merge candidates by voice similarity, equal names or overlapping text
patterns. With --auto, candidates at or above speakers.auto_merge_threshold are merged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			ctx := contextOf(cmd)
			cands, err := st.FindDuplicates(ctx, store.DuplicateOptions{
				VoiceThreshold:       a.cfg.Speakers.DuplicateThreshold,
				TextOverlapThreshold: a.cfg.Speakers.TextOverlapThreshold,
			})
			if err != nil {
				return err
			}
			report := duplicatesReport{Candidates: cands}
			if report.Candidates == nil {
				report.Candidates = []store.DuplicateCandidate{}
			}
			if auto {
				merged := map[string]bool{}
				for _, c := range cands {
					if c.Confidence < a.cfg.Speakers.AutoMergeThreshold || merged[c.PrimaryID] || merged[c.SecondaryID] {
						continue
					}
					res, err := st.MergeSpeakers(ctx, c.PrimaryID, c.SecondaryID, c.Method, c.Confidence)
					if err != nil {
						a.log.Warn("auto merge skipped",
							zap.String("primary", c.PrimaryID),
							zap.String("secondary", c.SecondaryID),
							zap.Error(err))
						continue
					}
					merged[c.SecondaryID] = true
					report.Merged = append(report.Merged, res)
				}
				info(cmd.ErrOrStderr(), "merged %d of %d candidate(s)", len(report.Merged), len(cands))
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&auto, "auto", false, "Merge candidates above the auto-merge threshold")
	return cmd
}
