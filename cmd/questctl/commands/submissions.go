package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/kafka"
	"github.com/questhub-engine/internal/verify"
)

// operatorID is recorded as the actor of CLI revocations and reviews
const operatorID = "questctl"

func parseRole(s string) (domain.Role, error) {
	switch r := domain.Role(s); r {
	case domain.RoleParticipant, domain.RoleCreator, domain.RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func newRevokeCmd(flags *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke SUBMISSION_ID",
		Short: "Take back the XP a verified submission earned",
		Args:  exactArgs(1, "SUBMISSION_ID"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fail("A reason is required", fmt.Errorf("pass --reason"))
			}
			a, err := flags.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			rev, err := a.Ledger.RevokeXP(cmd.Context(), args[0], reason, operatorID)
			if err != nil {
				return fail("Failed to revoke XP", err)
			}
			out := cmd.OutOrStdout()
			success(out, "revoked submission %s", rev.SubmissionID)
			field(out, "participant", rev.ParticipantID)
			field(out, "xp removed", rev.Amount)
			field(out, "new total", rev.NewTotal)
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the XP is revoked (required)")
	return cmd
}

func newReviewCmd(flags *globalFlags) *cobra.Command {
	var reject bool
	cmd := &cobra.Command{
		Use:   "review SUBMISSION_ID",
		Short: "Approve (or --reject) a submission held for manual review",
		Args:  exactArgs(1, "SUBMISSION_ID"),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Engine.ReviewSubmission(cmd.Context(), args[0], !reject, operatorID)
			if err != nil {
				return fail("Failed to review submission", err)
			}
			printResult(cmd, result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject instead of approving")
	return cmd
}

type claimFlags struct {
	answer   string
	evidence string
}

func (c *claimFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.answer, "answer", "", "Answer for quiz and form tasks")
	cmd.Flags().StringVar(&c.evidence, "evidence", "", "Evidence JSON for manual tasks")
}

func (c *claimFlags) request(args []string) (domain.VerificationRequest, error) {
	req := domain.VerificationRequest{
		ParticipantID: args[0],
		TaskID:        args[1],
		Answer:        c.answer,
	}
	if c.evidence != "" {
		if !json.Valid([]byte(c.evidence)) {
			return req, fail("Invalid evidence", fmt.Errorf("--evidence must be JSON"))
		}
		req.Evidence = json.RawMessage(c.evidence)
	}
	return req, nil
}

func newVerifyCmd(flags *globalFlags) *cobra.Command {
	claim := &claimFlags{}
	cmd := &cobra.Command{
		Use:   "verify PARTICIPANT_ID TASK_ID",
		Short: "Run a verification attempt in-process",
		Args:  exactArgs(2, "PARTICIPANT_ID TASK_ID"),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := claim.request(args)
			if err != nil {
				return err
			}
			a, err := flags.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Engine.RequestVerification(cmd.Context(), req)
			if err != nil {
				return fail("Verification failed", err)
			}
			printResult(cmd, result)
			return nil
		},
	}
	claim.register(cmd)
	return cmd
}

func newEnqueueCmd(flags *globalFlags) *cobra.Command {
	claim := &claimFlags{}
	var wait bool
	cmd := &cobra.Command{
		Use:   "enqueue PARTICIPANT_ID TASK_ID",
		Short: "Queue a verification request on Kafka",
		Args:  exactArgs(2, "PARTICIPANT_ID TASK_ID"),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := claim.request(args)
			if err != nil {
				return err
			}
			a, err := flags.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			producer, err := kafka.NewProducer(&a.Config.Kafka, a.Logger)
			if err != nil {
				return fail("Failed to connect to Kafka", err)
			}
			defer producer.Close()

			if err := producer.EnqueueVerification(cmd.Context(), req); err != nil {
				return fail("Failed to queue verification", err)
			}
			success(cmd.OutOrStdout(), "queued %s for %s", req.TaskID, req.ParticipantID)
			if !wait {
				return nil
			}

			result, err := a.Engine.PollStatus(cmd.Context(), req.ParticipantID, req.TaskID)
			if err != nil {
				return fail("Failed to read verification status", err)
			}
			printResult(cmd, result)
			return nil
		},
	}
	claim.register(cmd)
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Poll until the submission leaves pending")
	return cmd
}

func printResult(cmd *cobra.Command, r *verify.Result) {
	out := cmd.OutOrStdout()
	switch r.Outcome {
	case verify.OutcomeVerified:
		success(out, "%s", r.Message)
	default:
		warning(out, "%s", r.Message)
	}
	field(out, "outcome", r.Outcome)
	if r.Submission != nil {
		field(out, "submission", r.Submission.ID)
		field(out, "status", r.Submission.Status)
	}
	field(out, "xp earned", r.XPEarned)
	if r.TotalXP != nil {
		field(out, "total xp", *r.TotalXP)
	}
	if r.RetryAfter > 0 {
		field(out, "retry after", r.RetryAfter.Round(time.Second))
	}
}
