// Package deliveries inspects and retries alert deliveries from the command line.
package deliveries

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/datastore"
	"github.com/alertai/alertai/internal/datastore/entities"
	"github.com/alertai/alertai/internal/dispatch"
	"github.com/alertai/alertai/internal/httpclient"
	"github.com/alertai/alertai/internal/notifier"
	"github.com/alertai/alertai/internal/observability"
)

// Command creates the deliveries command and its subcommands.
func Command(settings *conf.Settings) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Inspect and retry alert deliveries",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	listCmd := &cobra.Command{
		Use:   "list <event-id>",
		Short: "List delivery attempts for an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), settings, func(d *dispatch.Dispatcher) error {
				rows, err := d.List(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), rows)
				}
				return printDeliveries(cmd.OutOrStdout(), rows)
			})
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry <event-id>",
		Short: "Resend retriable failed deliveries for an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), settings, func(d *dispatch.Dispatcher) error {
				summary, err := d.RetryFailed(cmd.Context(), args[0])
				if asJSON {
					if werr := writeJSON(cmd.OutOrStdout(), summary); werr != nil {
						return werr
					}
				} else {
					printSummary(cmd.OutOrStdout(), summary)
				}
				return err
			})
		},
	}

	cmd.AddCommand(listCmd, retryCmd)
	return cmd
}

// withDispatcher opens the store and notifier for the duration of fn.
func withDispatcher(ctx context.Context, settings *conf.Settings, fn func(*dispatch.Dispatcher) error) error {
	store, err := datastore.Open(settings.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	client := httpclient.New(nil)
	defer client.Close()

	router := notifier.New(&settings.Notification, client, m.Notification)
	defer router.Close()

	d := dispatch.New(store.Deliveries(), router, dispatch.Options{
		SendTimeout:  settings.Notification.Timeout,
		RetryWorkers: settings.Notification.RetryWorkers,
	}, m.Notification)

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(d)
}

func printDeliveries(w io.Writer, rows []entities.DeliveryAttempt) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no deliveries")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tSTATUS\tATTEMPTS\tLAST ATTEMPT\tACKED\tERROR")
	for i := range rows {
		r := &rows[i]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			r.UserID, r.Status, r.AttemptCount,
			formatTime(r.LastAttemptAt), formatTime(r.AcknowledgedAt), r.LastError)
	}
	return tw.Flush()
}

func printSummary(w io.Writer, s dispatch.RetrySummary) {
	fmt.Fprintf(w, "event %s: attempted %d, delivered %d, retriable %d, terminal %d, skipped %d\n",
		s.EventID, s.Attempted, s.Delivered, s.FailedRetriable, s.FailedTerminal, s.Skipped)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
