package main

import (
	"github.com/spf13/cobra"

	"github.com/sliverarmory/machpipe"
)

func newRootCommand(app *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "machpipe <xpc_service_name>",
		Short: "Probe an XPC service over a raw pipe built from its bootstrap port",
		Long: "machpipe resolves a service through the bootstrap server, builds an XPC pipe\n" +
			"directly from the port and sends one empty dictionary, printing whatever the\n" +
			"service answers or why the exchange failed.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errServiceMissing
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: app.setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := app.context(cmd.Context())
			defer cancel()

			report := app.client.Probe(ctx, machpipe.ServiceTarget(args[0]))
			if err := app.emit(report); err != nil {
				return err
			}
			if !report.OK {
				return errReported
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "YAML config file (default $"+configEnv+" or the user config dir)")
	flags.Uint64("flags", 0, "Flags passed to xpc_pipe_create_from_port / xpc_connection_create_mach_service")
	flags.Duration("timeout", 0, "Watchdog for each exchange, 0 to wait indefinitely (default from config: 10s)")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("format", "", "Output format: text or json")
	flags.String("capture", "", "Append every probe report to this CBOR capture file")

	rootCmd.AddCommand(newPortsCommand(app), newListenCommand(app))
	return rootCmd
}
