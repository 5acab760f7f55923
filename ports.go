package machpipe

import (
	"strings"
	"sync"
)

// PortRights is the MACH_PORT_TYPE_* mask mach_port_names reports.
type PortRights uint32

const (
	RightSend     PortRights = 1 << 16
	RightReceive  PortRights = 1 << 17
	RightSendOnce PortRights = 1 << 18
	RightPortSet  PortRights = 1 << 19
	RightDeadName PortRights = 1 << 20
)

func (rights PortRights) String() string {
	if rights == 0 {
		return "none"
	}
	var names []string
	for _, right := range []struct {
		bit  PortRights
		name string
	}{
		{RightSend, "send"},
		{RightReceive, "receive"},
		{RightSendOnce, "send-once"},
		{RightPortSet, "port-set"},
		{RightDeadName, "dead-name"},
	} {
		if rights&right.bit != 0 {
			names = append(names, right.name)
		}
	}
	if len(names) == 0 {
		return "other"
	}
	return strings.Join(names, ",")
}

// PortEntry is one port of a PortSet. Rights is zero when the enumeration
// did not report types.
type PortEntry struct {
	Port   Port
	Rights PortRights
}

// PortSet is a snapshot of a task's ports held in kernel-allocated storage.
// Release returns the storage exactly once; WithPorts does it for you.
type PortSet struct {
	mu       sync.Mutex
	task     Task
	op       string
	client   *Client
	array    PortArray
	released bool
}

// EnumeratePorts returns the ports registered on task (mach_ports_lookup).
// A failure returns a *KernelError and nothing to release.
func (client *Client) EnumeratePorts(task Task) (*PortSet, error) {
	return client.enumerate(task, "mach_ports_lookup", client.sys.PortsLookup)
}

// EnumerateNames returns every name in task's IPC space with its rights
// (mach_port_names).
func (client *Client) EnumerateNames(task Task) (*PortSet, error) {
	return client.enumerate(task, "mach_port_names", client.sys.PortNames)
}

func (client *Client) enumerate(task Task, op string, call func(Task) (PortArray, KernReturn)) (*PortSet, error) {
	array, kr := call(task)
	if kr != KernSuccess {
		return nil, client.kernelError(op, kr, client.sys.KernString(kr))
	}
	portSet := &PortSet{task: task, op: op, client: client, array: array}
	client.logger.Debug("enumerated ports", "op", op, "task", task, "count", portSet.Count())
	return portSet, nil
}

// WithPorts enumerates task, hands the set to fn and releases it afterwards
// on every path, including a panic in fn.
func (client *Client) WithPorts(task Task, fn func(*PortSet) error) (err error) {
	portSet, err := client.EnumeratePorts(task)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := portSet.Release(); err == nil {
			err = releaseErr
		}
	}()
	return fn(portSet)
}

// Task is the task the set was read from.
func (portSet *PortSet) Task() Task {
	return portSet.task
}

// Count is the element count the kernel returned with the storage. It
// matches len(Ports()) until the set is released, after which it is zero.
func (portSet *PortSet) Count() int {
	portSet.mu.Lock()
	defer portSet.mu.Unlock()

	if portSet.released || portSet.array == nil {
		return 0
	}
	return portSet.array.Len()
}

// Ports copies the port names out of the set.
func (portSet *PortSet) Ports() []Port {
	portSet.mu.Lock()
	defer portSet.mu.Unlock()

	if portSet.released || portSet.array == nil {
		return nil
	}
	return portSet.array.Ports()
}

// Entries pairs each port with its rights.
func (portSet *PortSet) Entries() []PortEntry {
	portSet.mu.Lock()
	defer portSet.mu.Unlock()

	if portSet.released || portSet.array == nil {
		return nil
	}
	ports := portSet.array.Ports()
	types := portSet.array.Types()
	entries := make([]PortEntry, len(ports))
	for i, port := range ports {
		entries[i].Port = port
		if i < len(types) {
			entries[i].Rights = PortRights(types[i])
		}
	}
	return entries
}

// Release returns the set's storage to the kernel. Only the first call
// reaches the kernel; later calls return nil.
func (portSet *PortSet) Release() error {
	portSet.mu.Lock()
	defer portSet.mu.Unlock()

	if portSet.released {
		return nil
	}
	portSet.released = true
	if portSet.array == nil {
		return nil
	}
	kr := portSet.array.Deallocate()
	portSet.array = nil
	if kr != KernSuccess {
		return portSet.client.kernelError("vm_deallocate ("+portSet.op+")", kr, portSet.client.sys.KernString(kr))
	}
	return nil
}
