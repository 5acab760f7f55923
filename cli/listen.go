package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/machpipe"
)

func newListenCommand(app *app) *cobra.Command {
	var (
		send     bool
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "listen <xpc_service_name>",
		Short: "Connect to a service by name and print every event it delivers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			connection, err := app.client.Connect(args[0], app.cfg.Flags)
			if err != nil {
				return err
			}
			defer connection.Close()

			if send {
				request := app.client.NewRequest()
				err := connection.Send(request)
				request.Release()
				if err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			var printErr error
			err = machpipe.Listen(ctx, connection, func(event machpipe.Event) {
				if printErr == nil {
					printErr = app.printer.Event(event)
				}
			})
			if printErr != nil {
				return printErr
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&send, "send", false, "Send one empty dictionary after resuming")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop listening after this long (default: until interrupted)")
	return cmd
}
