package machpipe

import (
	"fmt"

	"github.com/sliverarmory/machpipe/xpc"
)

// ObjectKind is the coarse type tag of an XPC object.
type ObjectKind int

const (
	KindOther ObjectKind = iota
	KindDictionary
	KindInterrupted
	KindInvalid
	KindTerminationImminent
	KindError
)

func (kind ObjectKind) String() string {
	switch kind {
	case KindDictionary:
		return "dictionary"
	case KindInterrupted:
		return "connection-interrupted"
	case KindInvalid:
		return "connection-invalid"
	case KindTerminationImminent:
		return "termination-imminent"
	case KindError:
		return "error"
	default:
		return "other"
	}
}

// Object is an XPC payload. machpipe never looks inside it beyond the type
// tag; whoever holds an Object releases it exactly once.
type Object interface {
	Kind() ObjectKind
	Description() string
	Release()
}

// PortArray is kernel-allocated port storage.
type PortArray interface {
	// Len is the element count the kernel returned with the storage.
	Len() int
	Ports() []Port
	// Types returns the MACH_PORT_TYPE_* bits per port, or nil when the
	// enumeration did not report them.
	Types() []uint32
	Deallocate() KernReturn
}

// Pipe is a raw xpc_pipe_t.
type Pipe interface {
	Valid() bool
	Routine(request Object) (Object, RoutineCode)
	Release()
}

// ServiceConn is a name-brokered XPC connection.
type ServiceConn interface {
	Resume()
	Send(message Object) error
	Cancel()
}

// System is the host boundary: the Mach port namespace, the bootstrap
// server and libxpc. Host returns the real one.
type System interface {
	TaskSelf() Task
	TaskForPID(pid int) (Task, KernReturn)
	DeallocatePort(port Port) KernReturn

	PortsLookup(task Task) (PortArray, KernReturn)
	PortNames(task Task) (PortArray, KernReturn)
	KernString(code KernReturn) string

	BootstrapLookUp(name string) (Port, KernReturn)
	BootstrapString(code KernReturn) string

	PipeFromPort(port Port, flags uint64) Pipe
	RoutineString(code RoutineCode) string
	NewDictionary() Object

	Connect(name string, flags uint64, deliver func(Event)) (ServiceConn, error)
}

// Host returns the System backed by the running kernel.
func Host() System {
	return hostSystem{}
}

type hostSystem struct{}

func (hostSystem) TaskSelf() Task {
	return Task(xpc.TaskSelf())
}

func (hostSystem) TaskForPID(pid int) (Task, KernReturn) {
	task, kr := xpc.TaskForPID(pid)
	return Task(task), KernReturn(kr)
}

func (hostSystem) DeallocatePort(port Port) KernReturn {
	return KernReturn(xpc.DeallocatePort(xpc.Port(port)))
}

func (hostSystem) PortsLookup(task Task) (PortArray, KernReturn) {
	array, kr := xpc.PortsLookup(xpc.Port(task))
	if kr != xpc.KernSuccess {
		return nil, KernReturn(kr)
	}
	return hostPortArray{array}, KernSuccess
}

func (hostSystem) PortNames(task Task) (PortArray, KernReturn) {
	array, kr := xpc.PortNames(xpc.Port(task))
	if kr != xpc.KernSuccess {
		return nil, KernReturn(kr)
	}
	return hostPortArray{array}, KernSuccess
}

func (hostSystem) KernString(code KernReturn) string {
	return xpc.KernString(xpc.KernReturn(code))
}

func (hostSystem) BootstrapLookUp(name string) (Port, KernReturn) {
	port, kr := xpc.BootstrapLookUp(name)
	return Port(port), KernReturn(kr)
}

func (hostSystem) BootstrapString(code KernReturn) string {
	return xpc.BootstrapString(xpc.KernReturn(code))
}

func (hostSystem) PipeFromPort(port Port, flags uint64) Pipe {
	return hostPipe{xpc.PipeFromPort(xpc.Port(port), flags)}
}

func (hostSystem) RoutineString(code RoutineCode) string {
	return xpc.Strerror(int(code))
}

func (hostSystem) NewDictionary() Object {
	return hostObject{xpc.NewDictionary()}
}

func (hostSystem) Connect(name string, flags uint64, deliver func(Event)) (ServiceConn, error) {
	connection, err := xpc.Connect(name, flags, func(kind xpc.Kind, description string) {
		deliver(Event{Kind: ObjectKind(kind), Description: description})
	})
	if err != nil {
		return nil, err
	}
	return hostConn{connection}, nil
}

type hostPortArray struct {
	array *xpc.PortArray
}

func (array hostPortArray) Len() int {
	return array.array.Len()
}

func (array hostPortArray) Ports() []Port {
	raw := array.array.Ports()
	if raw == nil {
		return nil
	}
	ports := make([]Port, len(raw))
	for i, port := range raw {
		ports[i] = Port(port)
	}
	return ports
}

func (array hostPortArray) Types() []uint32 {
	return array.array.Types()
}

func (array hostPortArray) Deallocate() KernReturn {
	return KernReturn(array.array.Deallocate())
}

type hostObject struct {
	object *xpc.Object
}

func (object hostObject) Kind() ObjectKind    { return ObjectKind(object.object.Kind()) }
func (object hostObject) Description() string { return object.object.Description() }
func (object hostObject) Release()            { object.object.Release() }

type hostPipe struct {
	pipe *xpc.Pipe
}

func (pipe hostPipe) Valid() bool {
	return pipe.pipe.Valid()
}

// routineEINVAL is returned for requests that did not come from the host
// System; libxpc cannot send them.
const routineEINVAL RoutineCode = 22

func (pipe hostPipe) Routine(request Object) (Object, RoutineCode) {
	native, ok := request.(hostObject)
	if !ok {
		return nil, routineEINVAL
	}
	reply, code := pipe.pipe.Routine(native.object)
	if reply == nil {
		return nil, RoutineCode(code)
	}
	return hostObject{reply}, RoutineCode(code)
}

func (pipe hostPipe) Release() {
	pipe.pipe.Release()
}

type hostConn struct {
	connection *xpc.Connection
}

func (conn hostConn) Resume() {
	conn.connection.Resume()
}

func (conn hostConn) Send(message Object) error {
	native, ok := message.(hostObject)
	if !ok {
		return fmt.Errorf("machpipe: cannot send %T over a host connection", message)
	}
	return conn.connection.Send(native.object)
}

func (conn hostConn) Cancel() {
	conn.connection.Cancel()
}
