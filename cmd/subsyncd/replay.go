package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newReplayCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <event-id>",
		Short: "Re-run the handler of a failed ledger entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := a.newServer(prometheus.NewRegistry())
			if err != nil {
				return err
			}

			result, err := srv.provider.Dispatcher().Replay(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case result.HandlerErr != nil:
				return fmt.Errorf("event %s (%s) failed again: %w", result.EventID, result.Kind, result.HandlerErr)
			case result.LedgerErr != nil:
				return fmt.Errorf("event %s (%s) replayed but not recorded: %w", result.EventID, result.Kind, result.LedgerErr)
			case result.Retried:
				fmt.Fprintf(out, "event %s (%s) replayed\n", result.EventID, result.Kind)
			default:
				fmt.Fprintf(out, "event %s (%s) has nothing to replay\n", result.EventID, result.Kind)
			}
			return nil
		},
	}
}
