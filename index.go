package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"bounce/config"
	"bounce/db"
	"bounce/history"
	"bounce/models"

	"github.com/spf13/cobra"
)

const defaultEventLimit = 50

// openDB opens the store named by the configuration, falling back to the
// default path when no configuration file can be loaded.
func openDB(opts *rootOptions) (*db.DB, error) {
	path := config.Default().Core.DBPath
	if cfg, err := config.Load(opts.configPath); err == nil {
		path = cfg.Core.DBPath
	}
	return db.New(path)
}

func newIndexCommand(opts *rootOptions) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "index <user> <network> [channel]",
		Short: "Show the hourly byte offsets of a history log",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB(opts)
			if err != nil {
				return err
			}
			defer database.Close()

			channel := history.ServerSentinel
			if len(args) == 3 {
				channel = args[2]
			}

			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at time: %w", err)
				}
				offset, err := database.OffsetAt(args[0], args[1], channel, t)
				if errors.Is(err, db.ErrNoRows) {
					return fmt.Errorf("no offset recorded at or before %s", at)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), offset)
				return nil
			}

			offsets, err := database.GetOffsets(args[0], args[1], channel)
			if err != nil {
				return err
			}
			return printOffsets(cmd.OutOrStdout(), offsets)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Print only the offset to seek to for an RFC 3339 time")

	return cmd
}

func newEventsCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events <user:network>",
		Short: "Show the recorded state changes of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := models.ParseSessionKey(args[0]); !ok {
				return fmt.Errorf("invalid session key %q", args[0])
			}

			database, err := openDB(opts)
			if err != nil {
				return err
			}
			defer database.Close()

			events, err := database.GetSessionEvents(args[0], limit)
			if err != nil {
				return err
			}
			return printEvents(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", defaultEventLimit, "Number of events to show")

	return cmd
}

func printOffsets(w io.Writer, offsets []models.LogOffset) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOUR\tOFFSET")
	for _, o := range offsets {
		fmt.Fprintf(tw, "%s\t%s\n", o.Hour.UTC().Format(time.RFC3339), strconv.FormatInt(o.Offset, 10))
	}
	return tw.Flush()
}

func printEvents(w io.Writer, events []models.SessionEvent) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION ID\tSTATE\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			ev.Timestamp.UTC().Format(time.RFC3339), ev.SessionID, ev.State, ev.Detail)
	}
	return tw.Flush()
}
