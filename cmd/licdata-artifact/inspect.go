package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	artifact "github.com/acmsl/licdata-artifact"
	"github.com/acmsl/licdata-artifact/pkg/api"
)

// writeEvents prints one JSON envelope per line with credential values
// masked.
func writeEvents(w io.Writer, events []api.Event) error {
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if c, ok := ev.Payload.(api.CredentialProvided); ok {
			c.Value = "***"
			ev.Payload = c
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history SAGA_ID",
		Short: "Print the events a saga accepted, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), a.cfg.Store, artifact.Options{})
			if err != nil {
				return err
			}
			defer b.Close()

			events, err := b.engine.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeEvents(cmd.OutOrStdout(), events)
		},
	}
}

func newSagasCmd(a *app) *cobra.Command {
	var status, workflow string
	cmd := &cobra.Command{
		Use:   "sagas",
		Short: "List sagas",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), a.cfg.Store, artifact.Options{})
			if err != nil {
				return err
			}
			defer b.Close()

			sagas, err := b.engine.ListSagas(cmd.Context(), api.SagaListOptions{
				Workflow: workflow,
				Status:   api.Status(status),
			})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWORKFLOW\tSTATUS\tSTEP\tDEADLINE\tREASON")
			for _, s := range sagas {
				deadline := "-"
				if !s.Deadline.IsZero() {
					deadline = s.Deadline.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Workflow, s.Status, s.Step, deadline, s.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only sagas in this status (e.g. AWAITING_INPUT)")
	cmd.Flags().StringVar(&workflow, "workflow", "", "only sagas of this workflow (produce-image, publish-image)")
	return cmd
}
