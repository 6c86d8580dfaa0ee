package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"assessline/internal/app"
	"assessline/internal/domain"
	"assessline/internal/engine"
)

// refFlags are shared by every command that appends to the change log.
type refFlags struct {
	branch string
	head   string
}

func (f *refFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.branch, "branch", domain.MainBranch, "branch to write to")
	cmd.Flags().StringVar(&f.head, "head", "", "head version the change builds on; rejected if the head moved")
}

func (f refFlags) ref(assessmentID string) engine.ChangeRef {
	return engine.ChangeRef{AssessmentID: assessmentID, Branch: f.branch, ActorID: actorID(), ExpectedHead: f.head}
}

func respondCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "respond", Short: "Record answers, notes, evidence and time"}
	cmd.AddCommand(respondSubmitCmd())
	cmd.AddCommand(respondRemoveCmd())
	cmd.AddCommand(respondNoteCmd())
	cmd.AddCommand(respondEvidenceCmd())
	cmd.AddCommand(respondTimeCmd())
	cmd.AddCommand(respondShowCmd())
	return cmd
}

func respondSubmitCmd() *cobra.Command {
	var rf refFlags
	var role, comment, confidence, expected string
	var value float64
	var unanswered, review bool
	cmd := &cobra.Command{
		Use:   "submit <assessment> <question>",
		Short: "Submit a role's answer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("value") {
				return fmt.Errorf("--value required")
			}
			conf, err := parseFloatPtr(confidence)
			if err != nil {
				return err
			}
			exp, err := parseFloatPtr(expected)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				res, err := s.Engine.SubmitResponse(ctx, engine.SubmitInput{
					ChangeRef:      rf.ref(args[0]),
					QuestionID:     args[1],
					Role:           role,
					Value:          value,
					Confidence:     conf,
					Comment:        comment,
					ExpectedValue:  exp,
					CheckValue:     exp != nil || unanswered,
					ReviewRequired: review,
				})
				if err != nil {
					return err
				}
				return printObject(res)
			})
		},
	}
	rf.bind(cmd)
	cmd.Flags().StringVar(&role, "role", "", "role answering")
	cmd.Flags().Float64Var(&value, "value", 0, "answer value; must be one of the question's options")
	cmd.Flags().StringVar(&confidence, "confidence", "", "confidence between 0 and 1")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	cmd.Flags().StringVar(&expected, "expect", "", "answer this role is expected to have now")
	cmd.Flags().BoolVar(&unanswered, "expect-unanswered", false, "fail if this role already answered")
	cmd.Flags().BoolVar(&review, "review", false, "flag the change for review")
	return cmd
}

func respondRemoveCmd() *cobra.Command {
	var rf refFlags
	var role, expected string
	cmd := &cobra.Command{
		Use:   "remove <assessment> <question>",
		Short: "Withdraw a role's answer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := parseFloatPtr(expected)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				res, err := s.Engine.RemoveResponse(ctx, engine.RemoveInput{
					ChangeRef:     rf.ref(args[0]),
					QuestionID:    args[1],
					Role:          role,
					ExpectedValue: exp,
				})
				if err != nil {
					return err
				}
				return printObject(res)
			})
		},
	}
	rf.bind(cmd)
	cmd.Flags().StringVar(&role, "role", "", "role whose answer is withdrawn")
	cmd.Flags().StringVar(&expected, "expect", "", "answer this role is expected to have now")
	return cmd
}

func respondNoteCmd() *cobra.Command {
	var rf refFlags
	var note, expected string
	cmd := &cobra.Command{
		Use:   "note <assessment> <question>",
		Short: "Set a question's note",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var exp *string
			if cmd.Flags().Changed("expect") {
				exp = &expected
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				res, err := s.Engine.RecordNote(ctx, engine.NoteInput{
					ChangeRef:    rf.ref(args[0]),
					QuestionID:   args[1],
					Note:         note,
					ExpectedNote: exp,
				})
				if err != nil {
					return err
				}
				return printObject(res)
			})
		},
	}
	rf.bind(cmd)
	cmd.Flags().StringVar(&note, "note", "", "note text; empty clears it")
	cmd.Flags().StringVar(&expected, "expect", "", "note the question is expected to have now")
	return cmd
}

func respondEvidenceCmd() *cobra.Command {
	var rf refFlags
	var unlink bool
	cmd := &cobra.Command{
		Use:   "evidence <assessment> <question> <evidence-id>",
		Short: "Link or unlink evidence",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.EvidenceInput{ChangeRef: rf.ref(args[0]), QuestionID: args[1], EvidenceID: args[2]}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				run := s.Engine.LinkEvidence
				if unlink {
					run = s.Engine.UnlinkEvidence
				}
				res, err := run(ctx, in)
				if err != nil {
					return err
				}
				return printObject(res)
			})
		},
	}
	rf.bind(cmd)
	cmd.Flags().BoolVar(&unlink, "unlink", false, "remove the link instead of adding it")
	return cmd
}

func respondTimeCmd() *cobra.Command {
	var rf refFlags
	var spent string
	cmd := &cobra.Command{
		Use:   "time <assessment>",
		Short: "Record time spent, e.g. --spent 45m",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDuration(spent)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				res, err := s.Engine.AddTimeSpent(ctx, engine.TimeInput{ChangeRef: rf.ref(args[0]), Seconds: d.Seconds()})
				if err != nil {
					return err
				}
				return printObject(res)
			})
		},
	}
	rf.bind(cmd)
	cmd.Flags().StringVar(&spent, "spent", "", "duration, e.g. 1h30m")
	return cmd
}

func respondShowCmd() *cobra.Command {
	var branch string
	var pending bool
	cmd := &cobra.Command{
		Use:   "show <assessment> [question]",
		Short: "Show role responses, or the consensus of one question",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if len(args) == 2 {
					res, err := s.Engine.Consensus(ctx, args[0], branch, args[1])
					if err != nil {
						return err
					}
					return printObject(map[string]any{
						"question_id": args[1],
						"status":      res.Status,
						"value":       res.Value,
						"spread":      res.Spread,
						"conflict":    res.Conflict,
					})
				}
				if pending {
					responses, changes, err := s.Engine.WorkingState(ctx, args[0], branch)
					if err != nil {
						return err
					}
					return printObject(map[string]any{"responses": responses, "pending": changes})
				}
				items, err := s.Engine.RoleResponses(ctx, args[0], branch)
				if err != nil {
					return err
				}
				return printObject(items)
			})
		},
	}
	cmd.Flags().StringVar(&branch, "branch", domain.MainBranch, "branch")
	cmd.Flags().BoolVar(&pending, "working", false, "show the head with pending changes applied")
	return cmd
}

func conflictCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "conflict", Short: "Resolve role and merge conflicts"}
	cmd.AddCommand(conflictResolveCmd())
	cmd.AddCommand(conflictResolveMergeCmd())
	return cmd
}

func conflictResolveCmd() *cobra.Command {
	var rf refFlags
	var method, value, rationale string
	cmd := &cobra.Command{
		Use:   "resolve <assessment> <question>",
		Short: "Resolve diverging role answers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseFloatPtr(value)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				res, err := s.Engine.ResolveConflict(ctx, engine.ResolveInput{
					ChangeRef:  rf.ref(args[0]),
					QuestionID: args[1],
					Method:     domain.ResolutionMethod(method),
					Value:      v,
					Rationale:  rationale,
				})
				if err != nil {
					return err
				}
				return printObject(res)
			})
		},
	}
	rf.bind(cmd)
	cmd.Flags().StringVar(&method, "method", string(domain.MethodReviewerDecision), "average, highest, lowest, manual or reviewer-decision")
	cmd.Flags().StringVar(&value, "value", "", "decided value for manual and reviewer decisions")
	cmd.Flags().StringVar(&rationale, "rationale", "", "why")
	return cmd
}

func conflictResolveMergeCmd() *cobra.Command {
	var question, candidate, head string
	cmd := &cobra.Command{
		Use:   "resolve-merge <assessment> <merge-version>",
		Short: "Resolve a merge conflict by picking a source version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if question == "" || candidate == "" {
				return fmt.Errorf("--question and --take required")
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				changes, err := s.Engine.ResolveMergeConflict(ctx, engine.MergeResolveInput{
					AssessmentID:       args[0],
					VersionID:          args[1],
					QuestionID:         question,
					CandidateVersionID: candidate,
					ActorID:            actorID(),
					ExpectedHead:       head,
				})
				if err != nil {
					return err
				}
				return printObject(changes)
			})
		},
	}
	cmd.Flags().StringVar(&question, "question", "", "conflicted question")
	cmd.Flags().StringVar(&candidate, "take", "", "source version whose content wins")
	cmd.Flags().StringVar(&head, "head", "", "expected head of the merge branch")
	return cmd
}
