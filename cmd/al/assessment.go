package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"assessline/internal/app"
	"assessline/internal/domain"
	"assessline/internal/engine"
)

func assessmentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "assessment", Aliases: []string{"asm"}, Short: "Manage assessments"}
	cmd.AddCommand(assessmentCreateCmd())
	cmd.AddCommand(assessmentListCmd())
	cmd.AddCommand(assessmentShowCmd())
	return cmd
}

func assessmentCreateCmd() *cobra.Command {
	var id, framework, title, seedPath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an assessment and its baseline version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if framework == "" {
				return fmt.Errorf("--framework required")
			}
			var seed domain.ResponseMap
			if seedPath != "" {
				data, err := os.ReadFile(seedPath)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &seed); err != nil {
					return fmt.Errorf("seed %s: %w", seedPath, err)
				}
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				a, err := s.Engine.CreateAssessment(ctx, engine.CreateAssessmentInput{
					ID:          id,
					FrameworkID: framework,
					Title:       title,
					Seed:        seed,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printObject(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "assessment id (generated when empty)")
	cmd.Flags().StringVar(&framework, "framework", "", "framework id from the config")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&seedPath, "seed", "", "JSON file with the baseline response map")
	return cmd
}

func assessmentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List assessments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				items, err := s.Engine.ListAssessments(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, a := range items {
					rows = append(rows, table.Row{a.ID, a.FrameworkID, a.Title, a.HeadVersionID, a.LastSequence, a.CreatedBy})
				}
				return printTable(items, table.Row{"ID", "Framework", "Title", "Head", "Seq", "Created By"}, rows)
			})
		},
	}
}

func assessmentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <assessment>",
		Short: "Show an assessment with its workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				a, err := s.Engine.GetAssessment(ctx, args[0])
				if err != nil {
					return err
				}
				w, err := s.Engine.Workflow(ctx, a.ID)
				if err != nil {
					return err
				}
				return printObject(map[string]any{"assessment": a, "workflow": w})
			})
		},
	}
}

func assignCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "assign", Short: "Manage role assignments and grants"}
	cmd.AddCommand(assignAddCmd())
	cmd.AddCommand(assignListCmd())
	cmd.AddCommand(assignGrantCmd())
	return cmd
}

func assignAddCmd() *cobra.Command {
	var role, actor, deadline, replaces string
	var sections, categories []string
	cmd := &cobra.Command{
		Use:   "add <assessment>",
		Short: "Assign a role to an actor, optionally scoped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			due, err := parseTimePtr(deadline)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				a, err := s.Engine.Assign(ctx, engine.AssignInput{
					AssessmentID: args[0],
					Role:         role,
					ActorID:      actor,
					Sections:     sections,
					Categories:   categories,
					Deadline:     due,
					Replaces:     replaces,
					ByActorID:    actorID(),
				})
				if err != nil {
					return err
				}
				return printObject(a)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role")
	cmd.Flags().StringVar(&actor, "actor", "", "assigned actor")
	cmd.Flags().StringSliceVar(&sections, "section", nil, "limit to sections (repeatable)")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "limit to categories (repeatable)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "RFC3339 deadline")
	cmd.Flags().StringVar(&replaces, "replaces", "", "assignment id this one supersedes")
	return cmd
}

func assignListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list <assessment>",
		Short: "List assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				items, err := s.Engine.Assignments(ctx, args[0], !all)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, a := range items {
					scope := strings.Join(append(append([]string{}, a.Sections...), a.Categories...), ",")
					if scope == "" {
						scope = "*"
					}
					rows = append(rows, table.Row{a.ID, a.Role, a.ActorID, scope, a.Status, fmt.Sprintf("%.2f", a.Progress), fmtTime(a.Deadline)})
				}
				return printTable(items, table.Row{"ID", "Role", "Actor", "Scope", "Status", "Progress", "Deadline"}, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include superseded assignments")
	return cmd
}

func assignGrantCmd() *cobra.Command {
	var role, actor string
	cmd := &cobra.Command{
		Use:   "grant <assessment>",
		Short: "Grant a role without a section scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || actor == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if err := s.Engine.GrantRole(ctx, args[0], actor, role, actorID()); err != nil {
					return err
				}
				fmt.Printf("granted %s to %s on %s\n", role, actor, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role")
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	return cmd
}
