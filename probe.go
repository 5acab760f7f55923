package machpipe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Target is what Probe talks to: a service name resolved through the
// bootstrap server, or a port already in the caller's space.
type Target struct {
	Service string
	Port    Port
	hasPort bool
}

func ServiceTarget(service string) Target {
	return Target{Service: service}
}

func PortTarget(port Port) Target {
	return Target{Port: port, hasPort: true}
}

func (target Target) String() string {
	switch {
	case target.Service != "":
		return target.Service
	case target.hasPort:
		return "port " + target.Port.String()
	default:
		return "<none>"
	}
}

// Report is the outcome of one probe. Reason is always human readable; the
// raw code and its domain are kept alongside for tooling.
type Report struct {
	Target    string        `json:"target"`
	Service   string        `json:"service,omitempty"`
	Port      Port          `json:"port,omitempty"`
	OK        bool          `json:"ok"`
	ReplyKind string        `json:"reply_kind,omitempty"`
	Reply     string        `json:"reply,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Class     Class         `json:"class,omitempty"`
	Domain    string        `json:"domain,omitempty"`
	Code      int64         `json:"code,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Err       error         `json:"-"`
}

const (
	DomainKernel  = "kernel"
	DomainRoutine = "routine"
)

// Probe resolves target if needed, opens a channel, sends one empty
// dictionary and reports what came back. It never retries.
//
// If ctx can be cancelled, the exchange runs on its own goroutine and Probe
// gives up with ErrWatchdog when ctx ends. The abandoned exchange still
// finishes and releases its channel; xpc_pipe_routine has no cancellation
// point.
func (client *Client) Probe(ctx context.Context, target Target) Report {
	report, _ := client.probeTarget(ctx, target)
	return report
}

// probeTarget is Probe plus a channel that is closed once the exchange, if
// one was started, has returned and released its channel.
func (client *Client) probeTarget(ctx context.Context, target Target) (Report, <-chan struct{}) {
	started := time.Now()
	report := Report{Target: target.String(), Service: target.Service, Port: target.Port}

	finished := make(chan struct{})
	reply, err := client.probe(ctx, target, &report, finished)
	report.Elapsed = time.Since(started)
	if err != nil {
		report.fail(err)
		client.logger.Warn("probe failed", "target", report.Target, "class", report.Class, "reason", report.Reason)
		return report, finished
	}

	report.OK = true
	report.ReplyKind = reply.kind.String()
	report.Reply = reply.description
	client.logger.Debug("probe succeeded", "target", report.Target, "elapsed", report.Elapsed)
	return report, finished
}

type probeReply struct {
	kind        ObjectKind
	description string
}

type probeResult struct {
	reply probeReply
	err   error
}

func (client *Client) probe(ctx context.Context, target Target, report *Report, finished chan struct{}) (probeReply, error) {
	exchanging := false
	defer func() {
		if !exchanging {
			close(finished)
		}
	}()

	if err := ctx.Err(); err != nil {
		return probeReply{}, err
	}

	port := target.Port
	switch {
	case target.Service != "":
		resolved, err := client.LookUp(target.Service)
		if err != nil {
			return probeReply{}, err
		}
		port = resolved
		report.Port = port
	case !target.hasPort:
		return probeReply{}, ErrNoTarget
	}

	exchanging = true
	channel := client.OpenChannel(port, client.flags)
	exchange := func() probeResult {
		defer close(finished)
		defer channel.Close()

		request := client.sys.NewDictionary()
		defer request.Release()

		reply, err := channel.Invoke(request)
		if err != nil {
			return probeResult{err: err}
		}
		defer reply.Release()
		return probeResult{reply: probeReply{kind: reply.Kind(), description: reply.Description()}}
	}

	if ctx.Done() == nil {
		result := exchange()
		return result.reply, result.err
	}

	done := make(chan probeResult, 1)
	go func() {
		done <- exchange()
	}()
	select {
	case result := <-done:
		return result.reply, result.err
	case <-ctx.Done():
		return probeReply{}, fmt.Errorf("%w: %w", ErrWatchdog, ctx.Err())
	}
}

func (report *Report) fail(err error) {
	report.OK = false
	report.Err = err
	report.Class = Classify(err)

	var kernelErr *KernelError
	var routineErr *RoutineError
	switch {
	case errors.As(err, &kernelErr):
		report.Domain = DomainKernel
		report.Code = int64(kernelErr.Code)
		report.Reason = fmt.Sprintf("%s: %s", kernelErr.Op, kernelErr.Description)
	case errors.As(err, &routineErr):
		report.Domain = DomainRoutine
		report.Code = int64(routineErr.Code)
		report.Reason = "xpc_pipe_routine: " + routineErr.Description
	default:
		report.Reason = err.Error()
	}
}

// TaskProbeOptions tunes ProbeTask.
type TaskProbeOptions struct {
	// Names enumerates the whole IPC space with mach_port_names instead of
	// the registered ports.
	Names bool
	// Select picks the ports to probe. Nil probes every registered port, or
	// with Names every name holding a send right but not the receive right.
	Select func(PortEntry) bool
	// Concurrency bounds parallel probes. Values below one mean one.
	Concurrency int
	// Timeout arms the watchdog of each probe. Zero leaves only ctx.
	Timeout time.Duration
}

// ProbeTask enumerates task and probes the selected ports. The port set is
// released before ProbeTask returns. Reports keep enumeration order.
//
// A probe whose watchdog fires keeps its concurrency slot until the
// abandoned exchange returns, so at most Concurrency exchanges are ever in
// flight. ProbeTask therefore returns only once every exchange has ended.
//
// Names only makes sense for the calling task: mach_port_names of another
// task returns names in that task's space, and probing them here would reach
// unrelated ports of our own. Such calls fail with ErrForeignNames.
func (client *Client) ProbeTask(ctx context.Context, task Task, options TaskProbeOptions) ([]Report, error) {
	enumerate := client.EnumeratePorts
	selectPort := options.Select
	if options.Names {
		if task != client.sys.TaskSelf() {
			return nil, fmt.Errorf("%w (%s)", ErrForeignNames, task)
		}
		enumerate = client.EnumerateNames
		if selectPort == nil {
			// A name we also receive on is our own port; nobody answers it.
			selectPort = func(entry PortEntry) bool {
				return entry.Rights&RightSend != 0 && entry.Rights&RightReceive == 0
			}
		}
	}
	if selectPort == nil {
		selectPort = func(PortEntry) bool { return true }
	}

	portSet, err := enumerate(task)
	if err != nil {
		return nil, err
	}
	defer portSet.Release()

	var selected []Port
	for _, entry := range portSet.Entries() {
		if selectPort(entry) {
			selected = append(selected, entry.Port)
		}
	}

	concurrency := options.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	reports := make([]Report, len(selected))
	var group errgroup.Group
	group.SetLimit(concurrency)
	for i, port := range selected {
		group.Go(func() error {
			probeCtx := ctx
			if options.Timeout > 0 {
				var cancel context.CancelFunc
				probeCtx, cancel = context.WithTimeout(ctx, options.Timeout)
				defer cancel()
			}
			report, finished := client.probeTarget(probeCtx, PortTarget(port))
			reports[i] = report
			<-finished
			return nil
		})
	}
	// Workers never fail; probe failures are carried in their reports.
	_ = group.Wait()

	if err := portSet.Release(); err != nil {
		return reports, err
	}
	return reports, nil
}
