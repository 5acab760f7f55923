package main

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var version = "dev"

const usageText = "\n[-] XPC Service Name is missing\n\nUsage:\n\tmachpipe <xpc_service_name>\n"

var (
	errServiceMissing = errors.New("xpc service name is missing")
	// errReported marks failures whose details are already on stdout.
	errReported = errors.New("probe failed")
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, newApp(os.Stdout, os.Stderr)))
}

// run executes the command line and returns the process status: -1 when the
// service name is missing, 1 for any other failure.
func run(args []string, stdout io.Writer, stderr io.Writer, app *app) int {
	cmd := newRootCommand(app)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if closeErr := app.close(); err == nil && closeErr != nil {
		err = closeErr
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errServiceMissing):
		fmt.Fprint(stdout, usageText)
		return -1
	case errors.Is(err, errReported):
		return 1
	default:
		fmt.Fprintln(stderr, "machpipe:", err)
		return 1
	}
}
