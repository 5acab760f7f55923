// Package machpipe enumerates Mach ports and talks to the services behind
// them over raw XPC pipes, without going through named-connection brokering.
//
// Every call is a single synchronous transaction against the host. Nothing
// is retried and nothing is cached between calls: a failure is reported to
// the caller with its kernel or routine code translated to text.
package machpipe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Task names a task port in the caller's IPC space. The caller owns it.
type Task uint32

// Port names a Mach port in the caller's IPC space.
type Port uint32

func (task Task) String() string {
	return fmt.Sprintf("task 0x%x", uint32(task))
}

func (port Port) String() string {
	return fmt.Sprintf("0x%x", uint32(port))
}

// Client runs machpipe operations against a System.
type Client struct {
	sys    System
	logger *slog.Logger
	flags  uint64
}

type Option func(*Client)

// WithSystem replaces the host System, mostly for tests.
func WithSystem(sys System) Option {
	return func(client *Client) {
		client.sys = sys
	}
}

// WithLogger sets the structured logger. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithPipeFlags sets the flags Probe passes to pipe construction.
func WithPipeFlags(flags uint64) Option {
	return func(client *Client) {
		client.flags = flags
	}
}

func New(options ...Option) *Client {
	client := &Client{
		sys:    Host(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// TaskSelf returns the calling task.
func (client *Client) TaskSelf() Task {
	return client.sys.TaskSelf()
}

// TaskForPID resolves another process's task port. It needs the privileges
// task_for_pid enforces; release the result with ReleaseTask.
func (client *Client) TaskForPID(pid int) (Task, error) {
	task, kr := client.sys.TaskForPID(pid)
	if kr != KernSuccess {
		return 0, client.kernelError("task_for_pid", kr, client.sys.KernString(kr))
	}
	client.logger.Debug("resolved task", "pid", pid, "task", task)
	return task, nil
}

// ReleaseTask drops a task right obtained from TaskForPID. The calling
// task's own port is left alone.
func (client *Client) ReleaseTask(task Task) error {
	if task == 0 || task == client.sys.TaskSelf() {
		return nil
	}
	if kr := client.sys.DeallocatePort(Port(task)); kr != KernSuccess {
		return client.kernelError("mach_port_deallocate", kr, client.sys.KernString(kr))
	}
	return nil
}

// LookUp resolves a service name through the bootstrap server.
func (client *Client) LookUp(service string) (Port, error) {
	if service == "" {
		return 0, ErrNoTarget
	}
	port, kr := client.sys.BootstrapLookUp(service)
	if kr != KernSuccess {
		return 0, client.kernelError("bootstrap_look_up "+service, kr, client.sys.BootstrapString(kr))
	}
	client.logger.Debug("resolved service", "service", service, "port", port)
	return port, nil
}

// NewRequest returns an empty dictionary for Invoke or Connection.Send. The
// caller releases it.
func (client *Client) NewRequest() Object {
	return client.sys.NewDictionary()
}

func (client *Client) kernelError(op string, code KernReturn, description string) *KernelError {
	if description == "" {
		description = code.String()
	}
	client.logger.Warn("kernel call failed", "op", op, "code", code, "description", description)
	return &KernelError{Op: op, Code: code, Description: description}
}

var defaultClient = New()

// EnumeratePorts runs Client.EnumeratePorts on the host.
func EnumeratePorts(task Task) (*PortSet, error) {
	return defaultClient.EnumeratePorts(task)
}

// OpenChannel runs Client.OpenChannel on the host.
func OpenChannel(port Port, flags uint64) *Channel {
	return defaultClient.OpenChannel(port, flags)
}

// Probe runs Client.Probe on the host.
func Probe(ctx context.Context, target Target) Report {
	return defaultClient.Probe(ctx, target)
}
