package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/overdrive-yt/sportsdevil/domain"
	"github.com/overdrive-yt/sportsdevil/internal/config"
	"github.com/overdrive-yt/sportsdevil/internal/repository"
)

type AttemptStore interface {
	GetAttempt(ctx context.Context, id string) (*repository.Attempt, error)
	ListAwaitingSupport(ctx context.Context, limit int) ([]*repository.Attempt, error)
	GetStuckAttempts(ctx context.Context, olderThan time.Duration) ([]*repository.Attempt, error)
	MarkAwaitingSupport(ctx context.Context, id string, failure domain.FailureKind) error
	ResolveAttempt(ctx context.Context, id, orderNumber string) error
}

func attemptsCmd(loadConfig func() (*config.Config, error), open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "Work with recorded checkout attempts",
	}

	withStore := func(cmd *cobra.Command, fn func(ctx context.Context, store AttemptStore) error) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		store, closeStore, err := open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open attempt ledger: %w", err)
		}
		defer closeStore()
		return fn(ctx, store)
	}

	cmd.AddCommand(attemptsListCmd(withStore))
	cmd.AddCommand(attemptsShowCmd(withStore))
	cmd.AddCommand(attemptsResolveCmd(withStore))
	cmd.AddCommand(attemptsEscalateCmd(withStore))
	return cmd
}

type storeRunner func(cmd *cobra.Command, fn func(ctx context.Context, store AttemptStore) error) error

func attemptsListCmd(withStore storeRunner) *cobra.Command {
	var (
		stuckFor time.Duration
		limit    int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List attempts awaiting support, or stuck attempts with --stuck-for",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store AttemptStore) error {
				var (
					attempts []*repository.Attempt
					err      error
				)
				if stuckFor > 0 {
					attempts, err = store.GetStuckAttempts(ctx, stuckFor)
				} else {
					attempts, err = store.ListAwaitingSupport(ctx, limit)
				}
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), attempts)
				}
				return printAttempts(cmd.OutOrStdout(), attempts)
			})
		},
	}
	cmd.Flags().DurationVar(&stuckFor, "stuck-for", 0, "List in-flight attempts not updated for this long")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum attempts")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func attemptsShowCmd(withStore storeRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "show <attempt-id>",
		Short: "Show one attempt with its cart snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store AttemptStore) error {
				a, err := store.GetAttempt(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a)
			})
		},
	}
}

func attemptsResolveCmd(withStore storeRunner) *cobra.Command {
	var orderNumber string
	cmd := &cobra.Command{
		Use:   "resolve <attempt-id>",
		Short: "Close an attempt awaiting support with the order created for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store AttemptStore) error {
				err := store.ResolveAttempt(ctx, args[0], orderNumber)
				if errors.Is(err, repository.ErrNotAwaitingSupport) {
					return fmt.Errorf("attempt %s is not awaiting support", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "attempt %s resolved with order %s\n", args[0], orderNumber)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&orderNumber, "order-number", "", "Order number created for the payment")
	_ = cmd.MarkFlagRequired("order-number")
	return cmd
}

func attemptsEscalateCmd(withStore storeRunner) *cobra.Command {
	var failure string
	cmd := &cobra.Command{
		Use:   "escalate <attempt-id>",
		Short: "Hand an in-flight attempt to support",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := domain.FailureKind(strings.ToUpper(failure))
			switch kind {
			case domain.FailureOrderCreationExhausted, domain.FailurePollTimedOut:
			default:
				return fmt.Errorf("--failure must be %s or %s", domain.FailureOrderCreationExhausted, domain.FailurePollTimedOut)
			}
			return withStore(cmd, func(ctx context.Context, store AttemptStore) error {
				if err := store.MarkAwaitingSupport(ctx, args[0], kind); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "attempt %s is awaiting support (%s)\n", args[0], kind)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&failure, "failure", string(domain.FailurePollTimedOut), "Failure kind to record")
	return cmd
}

func printAttempts(w io.Writer, attempts []*repository.Attempt) error {
	if len(attempts) == 0 {
		_, err := fmt.Fprintln(w, "no attempts")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tSTATE\tFAILURE\tINTENT\tTOTAL\tUPDATED")
	for _, a := range attempts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s %s\t%s\n",
			a.ID, a.UserID, a.State, a.FailureKind, a.IntentID,
			domain.MajorUnits(a.TotalMinor), a.Currency, a.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
