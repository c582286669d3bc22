package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"bounce/config"
	"bounce/models"
	"bounce/protocol"
	"bounce/server"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func newCtlCommand(opts *rootOptions) *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Talk to a running bouncer over its control socket",
	}
	cmd.PersistentFlags().StringVarP(&socket, "socket", "s", "", "Control socket path (defaults to the configured one)")

	socketPath := func() string {
		if socket != "" {
			return socket
		}
		if cfg, err := config.Load(opts.configPath); err == nil {
			return cfg.Core.ControlSocket
		}
		return config.Default().Core.ControlSocket
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show session and route counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return ctlSimple(cmd.OutOrStdout(), socketPath(), "stats")
			},
		},
		&cobra.Command{
			Use:   "sessions",
			Short: "List sessions and their states",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				replies, err := server.ControlRequest(socketPath(), "sessions")
				if err != nil {
					return err
				}
				return printSessions(cmd.OutOrStdout(), replies, !isTerminal(cmd.OutOrStdout()))
			},
		},
		&cobra.Command{
			Use:   "send <user:network> <raw line>",
			Short: "Queue a raw IRC line on a session",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return ctlSimple(cmd.OutOrStdout(), socketPath(), "send", args[0], strings.Join(args[1:], " "))
			},
		},
		&cobra.Command{
			Use:   "shutdown",
			Short: "Stop the bouncer",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return ctlSimple(cmd.OutOrStdout(), socketPath(), "shutdown")
			},
		},
	)

	return cmd
}

func ctlSimple(w io.Writer, socket, command string, fields ...string) error {
	replies, err := server.ControlRequest(socket, command, fields...)
	if err != nil {
		return err
	}
	if len(replies) == 0 {
		return fmt.Errorf("%s: no reply", command)
	}

	reply := replies[0]
	if reply.Type != "ok" {
		return fmt.Errorf("%s: %s", command, strings.Join(reply.Fields, ": "))
	}
	fmt.Fprintln(w, strings.Join(reply.Fields, " "))
	return nil
}

func printSessions(w io.Writer, replies []*protocol.Packet, noColor bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATE\tID\tERROR")

	for _, pkt := range replies {
		switch pkt.Type {
		case "session":
			state := stateColor(models.SessionState(pkt.Field(1)))
			state.DisableColor()
			if !noColor {
				state.EnableColor()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", pkt.Field(0), state.Sprint(pkt.Field(1)), pkt.Field(2), pkt.Field(3))
		case "ok":
		default:
			return fmt.Errorf("sessions: %s", strings.Join(pkt.Fields, ": "))
		}
	}

	return tw.Flush()
}

func stateColor(state models.SessionState) *color.Color {
	switch state {
	case models.StateActive:
		return color.New(color.FgGreen)
	case models.StateTerminated:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
