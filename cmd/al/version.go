package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"assessline/internal/app"
	"assessline/internal/domain"
	"assessline/internal/engine"
	"assessline/internal/repo"
)

func versionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "version", Aliases: []string{"v"}, Short: "Commit, inspect, branch and merge versions"}
	cmd.AddCommand(versionCommitCmd())
	cmd.AddCommand(versionHistoryCmd())
	cmd.AddCommand(versionShowCmd())
	cmd.AddCommand(versionHeadCmd())
	cmd.AddCommand(versionVerifyCmd())
	cmd.AddCommand(versionBranchCmd())
	cmd.AddCommand(versionBranchesCmd())
	cmd.AddCommand(versionMergeCmd())
	cmd.AddCommand(versionDiffCmd())
	cmd.AddCommand(versionReplayCmd())
	cmd.AddCommand(versionApproveCmd())
	cmd.AddCommand(versionChangesCmd())
	cmd.AddCommand(versionValidateCmd())
	return cmd
}

func versionRows(vs []domain.AssessmentVersion) []table.Row {
	rows := make([]table.Row, 0, len(vs))
	for _, v := range vs {
		parent := "-"
		if v.ParentID != nil {
			parent = *v.ParentID
		}
		rows = append(rows, table.Row{
			v.Number, v.ID, v.Branch, parent, v.ApprovalStatus,
			fmt.Sprintf("%d..%d", v.ChangeRange.From, v.ChangeRange.To),
			fmt.Sprintf("%.1f%%", v.Metadata.CompletionRate), len(v.Conflicts), v.CreatedBy,
		})
	}
	return rows
}

var versionHeader = table.Row{"#", "ID", "Branch", "Parent", "Approval", "Changes", "Complete", "Conflicts", "By"}

func versionCommitCmd() *cobra.Command {
	var branch, parent string
	var from, to int64
	cmd := &cobra.Command{
		Use:   "commit <assessment>",
		Short: "Fold pending changes into a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.CommitInput{AssessmentID: args[0], Branch: branch, ParentID: parent, ActorID: actorID()}
			if cmd.Flags().Changed("to") {
				in.Range = &domain.ChangeRange{From: from, To: to}
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				v, err := s.Engine.CreateVersion(ctx, in)
				if errors.Is(err, engine.ErrNothingToCommit) {
					fmt.Println("nothing to commit")
					return nil
				}
				if err != nil {
					return err
				}
				return printTable(v, versionHeader, versionRows([]domain.AssessmentVersion{v}))
			})
		},
	}
	cmd.Flags().StringVar(&branch, "branch", domain.MainBranch, "branch")
	cmd.Flags().StringVar(&parent, "parent", "", "head the commit builds on; rejected if the head moved")
	cmd.Flags().Int64Var(&from, "from", 0, "first sequence of a partial commit")
	cmd.Flags().Int64Var(&to, "to", 0, "last sequence of a partial commit")
	return cmd
}

func versionHistoryCmd() *cobra.Command {
	var limit, before int
	cmd := &cobra.Command{
		Use:   "history <assessment>",
		Short: "List versions newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := engine.HistoryQuery{AssessmentID: args[0], Limit: limit}
			if before > 0 {
				q.Before = &before
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				page, err := s.Engine.History(ctx, q)
				if err != nil {
					return err
				}
				if err := printTable(page, versionHeader, versionRows(page.Versions)); err != nil {
					return err
				}
				if page.Next != nil && !jsonOutput() {
					fmt.Printf("more: --before %d\n", *page.Next)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&before, "before", 0, "list versions numbered below this")
	return cmd
}

func versionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <version>",
		Short: "Show a verified version with its responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				v, err := s.Engine.GetVersion(ctx, args[0])
				if err != nil {
					return err
				}
				return printObject(v)
			})
		},
	}
}

func versionHeadCmd() *cobra.Command {
	var branch string
	cmd := &cobra.Command{
		Use:   "head <assessment>",
		Short: "Show the head version of a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				v, err := s.Engine.Head(ctx, args[0], branch)
				if err != nil {
					return err
				}
				return printTable(v, versionHeader, versionRows([]domain.AssessmentVersion{v}))
			})
		},
	}
	cmd.Flags().StringVar(&branch, "branch", domain.MainBranch, "branch")
	return cmd
}

func versionVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <version>",
		Short: "Recompute a version's checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				ok, err := s.Engine.Verify(ctx, args[0])
				if jsonOutput() {
					return printJSON(map[string]any{"version_id": args[0], "valid": ok, "error": errString(err)})
				}
				if err != nil {
					return err
				}
				fmt.Printf("version %s OK\n", args[0])
				return nil
			})
		},
	}
}

func versionBranchCmd() *cobra.Command {
	var from, name string
	cmd := &cobra.Command{
		Use:   "branch <assessment>",
		Short: "Start a branch at a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" || name == "" {
				return fmt.Errorf("--from and --name required")
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				v, err := s.Engine.Branch(ctx, engine.BranchInput{AssessmentID: args[0], FromVersionID: from, Name: name, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printTable(v, versionHeader, versionRows([]domain.AssessmentVersion{v}))
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "version to branch from")
	cmd.Flags().StringVar(&name, "name", "", "branch name")
	return cmd
}

func versionBranchesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "branches <assessment>",
		Short: "List branches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				items, err := s.Engine.Branches(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, b := range items {
					rows = append(rows, table.Row{b.Name, b.HeadVersionID, b.CreatedAt.Format("2006-01-02 15:04")})
				}
				return printTable(items, table.Row{"Branch", "Head", "Created"}, rows)
			})
		},
	}
}

func versionMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <assessment> <target-version> <source-version>...",
		Short: "Merge versions into the target's branch",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				v, err := s.Engine.Merge(ctx, engine.MergeInput{AssessmentID: args[0], SourceVersionIDs: args[1:], ActorID: actorID()})
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(v)
				}
				if err := printTable(v, versionHeader, versionRows([]domain.AssessmentVersion{v})); err != nil {
					return err
				}
				for _, c := range v.Conflicts {
					if c.Resolved {
						continue
					}
					fmt.Printf("conflict on %s: resolve with al conflict resolve-merge %s %s --question %s --take <version>\n",
						c.QuestionID, args[0], v.ID, c.QuestionID)
				}
				return nil
			})
		},
	}
}

func versionDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <assessment> <from-version> <to-version>",
		Short: "Changes recorded between two versions",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				changes, err := s.Engine.Diff(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				return printTable(changes, changeHeader, changeRows(changes))
			})
		},
	}
}

func versionReplayCmd() *cobra.Command {
	var to int64
	cmd := &cobra.Command{
		Use:   "replay <version>",
		Short: "Rebuild responses from a version up to a sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				responses, err := s.Engine.Replay(ctx, args[0], to)
				if err != nil {
					return err
				}
				return printObject(responses)
			})
		},
	}
	cmd.Flags().Int64Var(&to, "to", 0, "last sequence to fold; 0 folds every change")
	return cmd
}

func versionApproveCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "approve <assessment> <version>",
		Short: "Set a version's approval status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				v, err := s.Engine.SetApproval(ctx, engine.ApprovalInput{
					AssessmentID: args[0],
					VersionID:    args[1],
					Status:       domain.ApprovalStatus(status),
					ActorID:      actorID(),
				})
				if err != nil {
					return err
				}
				return printTable(v, versionHeader, versionRows([]domain.AssessmentVersion{v}))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(domain.ApprovalApproved), "draft, pending, approved or rejected")
	return cmd
}

var changeHeader = table.Row{"Seq", "Branch", "Kind", "Target", "Role", "Old", "New", "By", "Impact"}

func changeRows(changes []domain.AssessmentChange) []table.Row {
	rows := make([]table.Row, 0, len(changes))
	for _, c := range changes {
		rows = append(rows, table.Row{c.Sequence, c.Branch, c.Kind, c.TargetID, c.Role, fmtValue(c.OldValue), fmtValue(c.NewValue), c.Actor, c.Impact})
	}
	return rows
}

func versionChangesCmd() *cobra.Command {
	var branch, kind string
	var after, upTo int64
	var limit int
	cmd := &cobra.Command{
		Use:   "changes <assessment>",
		Short: "List change-log entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				changes, err := s.Engine.Changes(ctx, args[0], repo.ChangeFilter{
					Branch: branch,
					After:  after,
					UpTo:   upTo,
					Kind:   domain.ChangeKind(kind),
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				return printTable(changes, changeHeader, changeRows(changes))
			})
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "only this branch")
	cmd.Flags().StringVar(&kind, "kind", "", "only this change kind")
	cmd.Flags().Int64Var(&after, "after", 0, "only sequences after this")
	cmd.Flags().Int64Var(&upTo, "up-to", 0, "only sequences up to this")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries")
	return cmd
}

func versionValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <assessment>",
		Short: "Check the version graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if _, err := s.Engine.GetAssessment(ctx, args[0]); err != nil {
					return err
				}
				err := s.Engine.ValidateGraph(ctx, args[0])
				if jsonOutput() {
					return printJSON(map[string]any{"valid": err == nil, "error": errString(err)})
				}
				if err != nil {
					return err
				}
				fmt.Println("version graph OK")
				return nil
			})
		},
	}
}
