package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ssd-technologies/termconsensus/internal/aggregate"
	"github.com/ssd-technologies/termconsensus/internal/assignment"
	"github.com/ssd-technologies/termconsensus/internal/logconsensus"
	"github.com/ssd-technologies/termconsensus/internal/review"
)

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}

func readValidators(path string) ([]assignment.Validator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read validators: %w", err)
	}
	var vs []assignment.Validator
	if err := json.Unmarshal(data, &vs); err != nil {
		return nil, fmt.Errorf("parse validators: %w", err)
	}
	return vs, nil
}

func newAssignCmd() *cobra.Command {
	var validatorsPath, miner string
	cmd := &cobra.Command{
		Use:   "assign <submission-id>",
		Short: "Show the reviewer assignment of a submission",
		Long: `Show the reviewer assignment of a submission.

With --validators the assignment is computed locally from a JSON list of
{"identity","stake"} objects. Every validator derives the same draw from the
same set, so this checks a server's assignment without trusting it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var a *assignment.Assignment
			if validatorsPath != "" {
				vs, err := readValidators(validatorsPath)
				if err != nil {
					return err
				}
				var exclude []string
				if miner != "" {
					exclude = append(exclude, miner)
				}
				a = assignment.Assign(args[0], vs, exclude, time.Now(), assignment.DefaultReviewTimeout)
			} else {
				a = &assignment.Assignment{}
				if _, err := call(cmd.Context(), http.MethodGet, "/api/submissions/"+args[0]+"/assignment", nil, a, false); err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(a)
			}
			fmt.Printf("Seed: %s\n", a.Seed)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Slot", "Kind", "Reviewer", "Round", "State", "Deadline"})
			for _, s := range a.Slots {
				tw.AppendRow(table.Row{s.Index, s.Kind, shortID(s.Reviewer), s.Round, s.State,
					s.Deadline.Local().Format(time.TimeOnly)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&validatorsPath, "validators", "", "compute offline from this validators JSON file")
	cmd.Flags().StringVar(&miner, "miner", "", "miner identity to exclude in offline mode")
	return cmd
}

func parseKind(s string) (review.Kind, error) {
	switch s {
	case "code", string(review.CodeReview):
		return review.CodeReview, nil
	case "structural", string(review.StructuralReview):
		return review.StructuralReview, nil
	}
	return "", fmt.Errorf("unknown review kind %q", s)
}

func newReviewCmd() *cobra.Command {
	var f struct {
		Kind      string
		Score     float64
		Passed    bool
		Rationale string
	}
	cmd := &cobra.Command{
		Use:   "review <submission-id>",
		Short: "Sign and send a review for an assigned slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(f.Kind)
			if err != nil {
				return err
			}
			priv, err := loadKey()
			if err != nil {
				return err
			}
			r := review.Result{
				SubmissionID: args[0],
				Kind:         kind,
				Score:        f.Score,
				Passed:       f.Passed,
				Rationale:    f.Rationale,
			}
			review.Sign(&r, priv)
			var resp map[string]string
			if _, err := call(cmd.Context(), http.MethodPost, "/api/reviews", r, &resp, false); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			fmt.Printf("Review %s for %s\n", resp["status"], args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "code", "review kind: code or structural")
	cmd.Flags().Float64Var(&f.Score, "score", 0, "code review score in [0,1]")
	cmd.Flags().BoolVar(&f.Passed, "passed", false, "structural review verdict")
	cmd.Flags().StringVar(&f.Rationale, "rationale", "", "free-form rationale")
	return cmd
}

func newDeclineCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "decline <submission-id>",
		Short: "Decline an assigned review slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			priv, err := loadKey()
			if err != nil {
				return err
			}
			d := review.Decline{SubmissionID: args[0], Kind: k}
			review.SignDecline(&d, priv)
			var changes []assignment.Change
			if _, err := call(cmd.Context(), http.MethodPost, "/api/reviews/decline", d, &changes, false); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(changes)
			}
			for _, c := range changes {
				fmt.Printf("slot %d: %s %s (round %d)\n", c.Slot, c.Kind, shortID(c.Reviewer), c.Round)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "code", "review kind: code or structural")
	return cmd
}

// newAttestCmd forwards a signed evaluation to another validator. The file
// holds either the response of the evaluate endpoint or a bare attestation.
func newAttestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attest <evaluation.json>",
		Short: "Forward a signed evaluation to a validator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read evaluation: %w", err)
			}
			var wrapped struct {
				Attestation *aggregate.Attestation `json:"attestation"`
			}
			if err := json.Unmarshal(data, &wrapped); err != nil {
				return fmt.Errorf("parse evaluation: %w", err)
			}
			a := wrapped.Attestation
			if a == nil {
				a = new(aggregate.Attestation)
				if err := json.Unmarshal(data, a); err != nil {
					return fmt.Errorf("parse attestation: %w", err)
				}
			}
			if err := aggregate.VerifyAttestation(*a); err != nil {
				return fmt.Errorf("attestation signature: %w", err)
			}
			var resp map[string]string
			if _, err := call(cmd.Context(), http.MethodPost, "/api/evaluations", a, &resp, false); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			fmt.Printf("Accepted evaluation of %s by %s\n", shortID(a.SubmissionID), shortID(a.Validator))
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Propose or fetch evaluation logs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "propose <submission-id> <logs-file>",
		Short: "Sign and propose evaluation logs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read logs: %w", err)
			}
			if len(data) > logconsensus.MaxLogsBytes {
				return fmt.Errorf("logs are %d bytes, max %d", len(data), logconsensus.MaxLogsBytes)
			}
			priv, err := loadKey()
			if err != nil {
				return err
			}
			p := logconsensus.Proposal{SubmissionID: args[0], LogsData: data}
			logconsensus.Sign(&p, priv)
			var res logconsensus.Result
			if _, err := call(cmd.Context(), http.MethodPost, "/api/logs", p, &res, false); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("Status: %s\n", res.Status)
			if res.Reason != "" {
				fmt.Printf("Reason: %s\n", res.Reason)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <submission-id>",
		Short: "Print the validated evaluation logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v logconsensus.ValidatedLog
			if _, err := call(cmd.Context(), http.MethodGet, "/api/logs/"+args[0], nil, &v, false); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(v)
			}
			_, err := os.Stdout.Write(v.LogsData)
			return err
		},
	})
	return cmd
}
