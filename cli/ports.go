package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/machpipe"
)

func newPortsCommand(app *app) *cobra.Command {
	var (
		pid   int
		names bool
		probe bool
	)

	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Enumerate the Mach ports of a task, optionally probing each one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := app.client
			task := client.TaskSelf()
			if pid != 0 {
				var err error
				if task, err = client.TaskForPID(pid); err != nil {
					return err
				}
				defer client.ReleaseTask(task)
			}

			if probe {
				return probeTask(cmd, app, task, names)
			}

			enumerate := client.EnumeratePorts
			if names {
				enumerate = client.EnumerateNames
			}
			portSet, err := enumerate(task)
			if err != nil {
				return err
			}
			defer portSet.Release()

			if err := app.printer.Ports(task, portSet.Entries(), names); err != nil {
				return err
			}
			return portSet.Release()
		},
	}

	cmd.Flags().IntVar(&pid, "pid", 0, "Inspect this process instead of the calling task (needs task_for_pid rights)")
	cmd.Flags().BoolVar(&names, "names", false, "List the whole IPC space (mach_port_names) instead of the registered ports")
	cmd.Flags().BoolVar(&probe, "probe", false, "Open a pipe on every listed port and send one empty dictionary")
	cmd.Flags().Int("concurrency", 0, "Parallel probes with --probe (default from config: 4)")
	return cmd
}

func probeTask(cmd *cobra.Command, app *app, task machpipe.Task, names bool) error {
	reports, err := app.client.ProbeTask(cmd.Context(), task, machpipe.TaskProbeOptions{
		Names:       names,
		Concurrency: app.cfg.Concurrency,
		Timeout:     app.cfg.Timeout,
	})
	for _, report := range reports {
		if emitErr := app.emit(report); emitErr != nil {
			return emitErr
		}
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, report := range reports {
		if !report.OK {
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d probes failed\n", failed, len(reports))
		return errReported
	}
	return nil
}
