// Command hermesctl is the operator CLI for the control plane (C16):
// a thin Cobra wrapper around internal/controlsocket.Client, one
// subcommand per registered server command, exiting with the code the
// daemon's response carries (spec.md §6: 0 success, 1 usage error, 2
// server-side failure).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/controlsocket"
)

func main() {
	var socketPath string

	root := &cobra.Command{
		Use:           "hermesctl",
		Short:         "control a running hermes-producer or hermes-consumer process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/run/hermes/control.sock", "path to the process's control socket")

	root.AddCommand(
		simpleCommand(&socketPath, "status", "report whether the process is paused and its current schema revision"),
		simpleCommand(&socketPath, "pause", "pause the producer tick loop or consumer apply loop"),
		simpleCommand(&socketPath, "resume", "resume a paused process"),
		simpleCommand(&socketPath, "reinit", "ask the process to reload and re-validate its configuration file"),
		&cobra.Command{
			Use:   "inspect <type> <pkey>",
			Short: "print the consumer cache entry for one object",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(cmd.Context(), socketPath, "inspect", args)
			},
		},
		&cobra.Command{
			Use:   "flush-errorqueue <type> <pkey>",
			Short: "drop the head of one object's error queue without retrying it",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(cmd.Context(), socketPath, "flush-errorqueue", args)
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hermesctl:", err)
		os.Exit(exitCodeOf(err))
	}
}

func simpleCommand(socketPath *string, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), *socketPath, name, nil)
		},
	}
}

// callError carries the control socket's reported exit code so main's
// os.Exit matches spec.md §6 instead of always exiting 1.
type callError struct {
	code int
	err  error
}

func (e *callError) Error() string { return e.err.Error() }

func call(ctx context.Context, socketPath, cmd string, args []string) error {
	client := controlsocket.NewClient(socketPath)
	var raw json.RawMessage
	code, err := client.Call(ctx, cmd, args, &raw)
	if err != nil {
		return &callError{code: code, err: err}
	}
	if len(raw) > 0 {
		pretty, err := json.MarshalIndent(json.RawMessage(raw), "", "  ")
		if err == nil {
			fmt.Println(string(pretty))
		}
	}
	return nil
}

func exitCodeOf(err error) int {
	if ce, ok := err.(*callError); ok {
		return ce.code
	}
	return controlsocket.CodeUsage
}
