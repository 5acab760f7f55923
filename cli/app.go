package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/machpipe"
	"github.com/sliverarmory/machpipe/internal/capture"
	"github.com/sliverarmory/machpipe/internal/termout"
)

// app carries what the commands share once flags and config are resolved.
type app struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
	system machpipe.System

	cfg     config
	logger  *slog.Logger
	client  *machpipe.Client
	printer *termout.Printer

	captureFile *os.File
	capture     *capture.Writer
}

func newApp(stdout io.Writer, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		getenv: os.Getenv,
		system: machpipe.Host(),
	}
}

// setup resolves configuration and builds the client. It makes no host
// calls.
func (app *app) setup(cmd *cobra.Command, _ []string) error {
	path, explicit := defaultConfigPath(), false
	if env := app.getenv(configEnv); env != "" {
		path, explicit = env, true
	}
	if flag := cmd.Flags().Lookup("config"); flag != nil && flag.Changed {
		path, explicit = flag.Value.String(), true
	}

	cfg, err := loadConfig(path, explicit)
	if err != nil {
		return err
	}
	if err := cfg.applyFlags(cmd.Flags()); err != nil {
		return err
	}
	app.cfg = cfg

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	app.logger = slog.New(slog.NewTextHandler(app.stderr, &slog.HandlerOptions{Level: level}))
	app.client = machpipe.New(
		machpipe.WithSystem(app.system),
		machpipe.WithLogger(app.logger),
		machpipe.WithPipeFlags(cfg.Flags),
	)
	app.printer = termout.NewPrinter(app.stdout, termout.IsTerminal(app.stdout), cfg.Format == "json")

	if cfg.Capture != "" {
		file, err := os.OpenFile(cfg.Capture, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open capture file: %w", err)
		}
		app.captureFile = file
		app.capture = capture.NewWriter(file)
	}
	return nil
}

// context bounds a single exchange by the configured watchdog.
func (app *app) context(parent context.Context) (context.Context, context.CancelFunc) {
	if app.cfg.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, app.cfg.Timeout)
}

// emit prints a report and appends it to the capture, if any.
func (app *app) emit(report machpipe.Report) error {
	if err := app.printer.Report(report); err != nil {
		return err
	}
	if app.capture != nil {
		if err := app.capture.Write(report); err != nil {
			return err
		}
	}
	return nil
}

func (app *app) close() error {
	if app.captureFile == nil {
		return nil
	}
	err := app.captureFile.Close()
	app.captureFile = nil
	return err
}
