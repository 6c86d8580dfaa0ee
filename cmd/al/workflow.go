package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"assessline/internal/app"
	"assessline/internal/config"
	"assessline/internal/domain"
	"assessline/internal/engine"
)

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Aliases: []string{"wf"}, Short: "Inspect and move review stages"}
	cmd.AddCommand(workflowShowCmd())
	cmd.AddCommand(stageCmd("activate", "Activate a pending stage", func(e engine.Engine) stageRunner { return e.ActivateStage }))
	cmd.AddCommand(stageCmd("complete", "Complete the active stage", func(e engine.Engine) stageRunner { return e.CompleteStage }))
	cmd.AddCommand(stageCmd("skip", "Skip a stage", func(e engine.Engine) stageRunner { return e.SkipStage }))
	cmd.AddCommand(stageCmd("reset", "Reset the workflow back to a stage", func(e engine.Engine) stageRunner { return e.ResetToStage }))
	cmd.AddCommand(stageCmd("approve", "Record the approval of an approval stage", func(e engine.Engine) stageRunner { return e.RecordApproval }))
	cmd.AddCommand(workflowAddStageCmd())
	return cmd
}

type stageRunner func(context.Context, engine.StageInput) (domain.ReviewWorkflow, error)

func printWorkflow(w domain.ReviewWorkflow) error {
	if jsonOutput() {
		return printJSON(w)
	}
	fmt.Printf("workflow %s: %s, %.2f%% complete\n", w.AssessmentID, w.Status, w.OverallProgress)
	rows := make([]table.Row, 0, len(w.Stages))
	for _, st := range w.Stages {
		approval := "-"
		if st.ApprovalRequired {
			approval = "needed"
			if st.Approved() {
				approval = "recorded"
			}
		}
		rows = append(rows, table.Row{st.Position, st.ID, st.Kind, st.Status, strings.Join(st.RequiredRoles, ","), approval, st.Weight, fmtTime(st.Deadline)})
	}
	return printTable(w, table.Row{"#", "Stage", "Kind", "Status", "Roles", "Approval", "Weight", "Deadline"}, rows)
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <assessment>",
		Short: "Show stages and overall progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				w, err := s.Engine.Workflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printWorkflow(w)
			})
		},
	}
}

func stageCmd(verb, short string, pick func(engine.Engine) stageRunner) *cobra.Command {
	var comment, head string
	cmd := &cobra.Command{
		Use:   verb + " <assessment> <stage>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				w, err := pick(s.Engine)(ctx, engine.StageInput{
					AssessmentID: args[0],
					StageID:      args[1],
					ActorID:      actorID(),
					Comment:      comment,
					ExpectedHead: head,
				})
				if err != nil {
					return err
				}
				return printWorkflow(w)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment logged with resets and approvals")
	cmd.Flags().StringVar(&head, "head", "", "fail unless the main head is still this version")
	return cmd
}

func workflowAddStageCmd() *cobra.Command {
	var tmpl config.StageTemplate
	var kind, after, head string
	cmd := &cobra.Command{
		Use:   "add-stage <assessment>",
		Short: "Insert a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl.Kind = domain.StageKind(kind)
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				w, err := s.Engine.AddStage(ctx, engine.AddStageInput{AssessmentID: args[0], Stage: tmpl, AfterID: after, ActorID: actorID(), ExpectedHead: head})
				if err != nil {
					return err
				}
				return printWorkflow(w)
			})
		},
	}
	cmd.Flags().StringVar(&tmpl.ID, "id", "", "stage id")
	cmd.Flags().StringVar(&kind, "kind", string(domain.StageReview), "assessment, review, approval or completed")
	cmd.Flags().StringVar(&tmpl.Name, "name", "", "display name")
	cmd.Flags().StringSliceVar(&tmpl.RequiredRoles, "role", nil, "required role (repeatable)")
	cmd.Flags().BoolVar(&tmpl.ApprovalRequired, "approval", false, "require an explicit approval")
	cmd.Flags().Float64Var(&tmpl.Weight, "weight", 1, "weight in overall progress")
	cmd.Flags().IntVar(&tmpl.DeadlineDays, "deadline-days", 0, "deadline in days after activation")
	cmd.Flags().StringVar(&after, "after", "", "insert after this stage; appends when empty")
	cmd.Flags().StringVar(&head, "head", "", "fail unless the main head is still this version")
	return cmd
}

func blockersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "blockers", Short: "Show what holds an assessment up"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <assessment>",
		Short: "List blockers, most severe first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				items, err := s.Engine.Blockers(ctx, args[0])
				if err != nil {
					return err
				}
				return printBlockers(items)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "recompute <assessment>",
		Short: "Recompute blockers against the current time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				items, err := s.Engine.RecomputeBlockers(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printBlockers(items)
			})
		},
	})
	return cmd
}

func printBlockers(items []domain.AssessmentBlocker) error {
	rows := make([]table.Row, 0, len(items))
	for _, b := range items {
		rows = append(rows, table.Row{b.Severity, b.Kind, scopeString(b.Scope), b.Message, b.DetectedAt.Format("2006-01-02 15:04")})
	}
	return printTable(items, table.Row{"Severity", "Kind", "Scope", "Message", "Detected"}, rows)
}

func scopeString(s domain.BlockerScope) string {
	var parts []string
	for _, kv := range [][2]string{
		{"section", s.SectionID}, {"category", s.CategoryID}, {"question", s.QuestionID},
		{"stage", s.StageID}, {"role", s.Role}, {"version", s.VersionID},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	return strings.Join(parts, " ")
}

func actionsCmd() *cobra.Command {
	var mine bool
	cmd := &cobra.Command{
		Use:   "actions [assessment]",
		Short: "List pending actions of an assessment, or yours across assessments",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var assessmentID, actor string
			if len(args) == 1 {
				assessmentID = args[0]
			}
			if mine || assessmentID == "" {
				actor = actorID()
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				items, err := s.Engine.PendingActions(ctx, assessmentID, actor)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, a := range items {
					rows = append(rows, table.Row{a.AssessmentID, a.ActorID, a.Role, a.Action, a.TargetID, a.Message, fmtTime(a.DueAt)})
				}
				return printTable(items, table.Row{"Assessment", "Actor", "Role", "Action", "Target", "Message", "Due"}, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "only actions of --actor-id")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Audit trail"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail <assessment>",
		Short: "Show audit events, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				events, err := s.Engine.AuditTrail(ctx, args[0], after, n)
				if err != nil {
					return err
				}
				if evtType != "" {
					filtered := events[:0]
					for _, e := range events {
						if e.Type == evtType {
							filtered = append(filtered, e)
						}
					}
					events = filtered
				}
				rows := make([]table.Row, 0, len(events))
				for _, e := range events {
					rows = append(rows, table.Row{e.ID, e.TS.Format("2006-01-02 15:04:05"), e.Type, e.EntityKind, e.EntityID, e.ActorID})
				}
				return printTable(events, table.Row{"ID", "Time", "Type", "Entity", "Entity ID", "Actor"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}
