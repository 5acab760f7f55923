// Package hosttest provides an in-memory machpipe.System that records how
// its kernel storage, pipes and objects are used.
package hosttest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sliverarmory/machpipe"
)

// RoutineFunc answers one pipe routine on a fake port.
type RoutineFunc func(request machpipe.Object) (machpipe.Object, machpipe.RoutineCode)

// Fake is a scriptable System. Zero values give an empty host; fill the maps
// before handing it to machpipe.New.
type Fake struct {
	Self       machpipe.Task
	Tasks      map[int]machpipe.Task
	Registered map[machpipe.Task][]machpipe.Port
	Names      map[machpipe.Task][]machpipe.PortEntry
	Services   map[string]machpipe.Port
	Routines   map[machpipe.Port]RoutineFunc

	// EnumerateFailure makes both enumerations of a task fail.
	EnumerateFailure map[machpipe.Task]machpipe.KernReturn
	// InvalidPipes makes PipeFromPort hand back an unusable pipe.
	InvalidPipes map[machpipe.Port]bool
	// DeallocateFailure is returned by every PortArray.Deallocate.
	DeallocateFailure machpipe.KernReturn
	// RoutineStrings overrides RoutineString; missing codes get "".
	RoutineStrings map[machpipe.RoutineCode]string
	// ConnectFailure is returned by Connect.
	ConnectFailure error
	// OnCall, when set, sees the name of every System method called.
	OnCall func(name string)

	mu    sync.Mutex
	stats Stats
	conns []*Conn
}

// Stats counts resource traffic through the fake.
type Stats struct {
	Allocations     int
	Deallocations   int
	DoubleFrees     int
	PipesOpened     int
	PipesReleased   int
	Routines        int
	ObjectsCreated  int
	ObjectsReleased int
	TasksReleased   int
}

func (fake *Fake) Stats() Stats {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.stats
}

// Conns returns the connections opened so far.
func (fake *Fake) Conns() []*Conn {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return append([]*Conn(nil), fake.conns...)
}

func (fake *Fake) called(name string) {
	if fake.OnCall != nil {
		fake.OnCall(name)
	}
}

func (fake *Fake) count(update func(*Stats)) {
	fake.mu.Lock()
	update(&fake.stats)
	fake.mu.Unlock()
}

func (fake *Fake) TaskSelf() machpipe.Task {
	fake.called("TaskSelf")
	return fake.Self
}

func (fake *Fake) TaskForPID(pid int) (machpipe.Task, machpipe.KernReturn) {
	fake.called("TaskForPID")
	task, ok := fake.Tasks[pid]
	if !ok {
		return 0, 5 // KERN_FAILURE
	}
	return task, machpipe.KernSuccess
}

func (fake *Fake) DeallocatePort(port machpipe.Port) machpipe.KernReturn {
	fake.called("DeallocatePort")
	fake.count(func(stats *Stats) { stats.TasksReleased++ })
	return machpipe.KernSuccess
}

func (fake *Fake) PortsLookup(task machpipe.Task) (machpipe.PortArray, machpipe.KernReturn) {
	fake.called("PortsLookup")
	if kr, ok := fake.EnumerateFailure[task]; ok {
		return nil, kr
	}
	ports, ok := fake.Registered[task]
	if !ok {
		return nil, 16 // KERN_INVALID_TASK
	}
	fake.count(func(stats *Stats) { stats.Allocations++ })
	return &portArray{fake: fake, ports: append([]machpipe.Port(nil), ports...)}, machpipe.KernSuccess
}

func (fake *Fake) PortNames(task machpipe.Task) (machpipe.PortArray, machpipe.KernReturn) {
	fake.called("PortNames")
	if kr, ok := fake.EnumerateFailure[task]; ok {
		return nil, kr
	}
	entries, ok := fake.Names[task]
	if !ok {
		return nil, 16 // KERN_INVALID_TASK
	}
	array := &portArray{fake: fake}
	for _, entry := range entries {
		array.ports = append(array.ports, entry.Port)
		array.types = append(array.types, uint32(entry.Rights))
	}
	fake.count(func(stats *Stats) { stats.Allocations++ })
	return array, machpipe.KernSuccess
}

var kernStrings = map[machpipe.KernReturn]string{
	4:    "(os/kern) invalid argument",
	5:    "(os/kern) failure",
	8:    "(os/kern) no access",
	16:   "(os/kern) invalid task",
	1100: "Permission denied",
	1102: "Unknown service name",
}

func (fake *Fake) KernString(code machpipe.KernReturn) string {
	fake.called("KernString")
	return kernStrings[code]
}

func (fake *Fake) BootstrapLookUp(name string) (machpipe.Port, machpipe.KernReturn) {
	fake.called("BootstrapLookUp")
	port, ok := fake.Services[name]
	if !ok {
		return 0, 1102 // BOOTSTRAP_UNKNOWN_SERVICE
	}
	return port, machpipe.KernSuccess
}

func (fake *Fake) BootstrapString(code machpipe.KernReturn) string {
	fake.called("BootstrapString")
	return kernStrings[code]
}

func (fake *Fake) PipeFromPort(port machpipe.Port, flags uint64) machpipe.Pipe {
	fake.called("PipeFromPort")
	fake.count(func(stats *Stats) { stats.PipesOpened++ })
	return &pipe{fake: fake, port: port, valid: !fake.InvalidPipes[port]}
}

func (fake *Fake) RoutineString(code machpipe.RoutineCode) string {
	fake.called("RoutineString")
	return fake.RoutineStrings[code]
}

func (fake *Fake) NewDictionary() machpipe.Object {
	fake.called("NewDictionary")
	return fake.NewObject(machpipe.KindDictionary, "<dictionary: request> { count = 0 }")
}

// NewObject creates a tracked object of any kind.
func (fake *Fake) NewObject(kind machpipe.ObjectKind, description string) *Object {
	fake.count(func(stats *Stats) { stats.ObjectsCreated++ })
	return &Object{fake: fake, kind: kind, description: description}
}

func (fake *Fake) Connect(name string, flags uint64, deliver func(machpipe.Event)) (machpipe.ServiceConn, error) {
	fake.called("Connect")
	if fake.ConnectFailure != nil {
		return nil, fake.ConnectFailure
	}
	conn := &Conn{Name: name, Flags: flags, deliver: deliver}
	fake.mu.Lock()
	fake.conns = append(fake.conns, conn)
	fake.mu.Unlock()
	return conn, nil
}

type portArray struct {
	fake     *Fake
	ports    []machpipe.Port
	types    []uint32
	released bool
}

func (array *portArray) Len() int {
	return len(array.ports)
}

func (array *portArray) Ports() []machpipe.Port {
	return append([]machpipe.Port(nil), array.ports...)
}

func (array *portArray) Types() []uint32 {
	return array.types
}

func (array *portArray) Deallocate() machpipe.KernReturn {
	array.fake.count(func(stats *Stats) {
		if array.released {
			stats.DoubleFrees++
			return
		}
		stats.Deallocations++
		array.released = true
	})
	return array.fake.DeallocateFailure
}

// Object is a fake XPC object.
type Object struct {
	fake        *Fake
	kind        machpipe.ObjectKind
	description string
	released    bool
}

func (object *Object) Kind() machpipe.ObjectKind { return object.kind }
func (object *Object) Description() string       { return object.description }

func (object *Object) Release() {
	object.fake.count(func(stats *Stats) {
		if object.released {
			stats.DoubleFrees++
			return
		}
		stats.ObjectsReleased++
		object.released = true
	})
}

type pipe struct {
	fake     *Fake
	port     machpipe.Port
	valid    bool
	released bool
}

func (pipe *pipe) Valid() bool {
	return pipe.valid && !pipe.released
}

func (pipe *pipe) Routine(request machpipe.Object) (machpipe.Object, machpipe.RoutineCode) {
	pipe.fake.count(func(stats *Stats) { stats.Routines++ })
	if routine, ok := pipe.fake.Routines[pipe.port]; ok {
		return routine(request)
	}
	return pipe.fake.NewObject(machpipe.KindDictionary, fmt.Sprintf("<dictionary: reply from %s> { count = 0 }", pipe.port)), 0
}

func (pipe *pipe) Release() {
	pipe.fake.count(func(stats *Stats) {
		if pipe.released {
			stats.DoubleFrees++
			return
		}
		stats.PipesReleased++
		pipe.released = true
	})
}

// Conn is a fake named-service connection.
type Conn struct {
	Name  string
	Flags uint64

	mu        sync.Mutex
	deliver   func(machpipe.Event)
	resumed   bool
	cancelled bool
	sent      int
}

// Deliver pushes an inbound event as the host's dispatch thread would,
// including after Cancel, when late events may still be in flight.
func (conn *Conn) Deliver(event machpipe.Event) error {
	conn.mu.Lock()
	resumed := conn.resumed
	conn.mu.Unlock()
	if !resumed {
		return errors.New("hosttest: deliver before resume")
	}
	conn.deliver(event)
	return nil
}

func (conn *Conn) Resume() {
	conn.mu.Lock()
	conn.resumed = true
	conn.mu.Unlock()
}

func (conn *Conn) Send(message machpipe.Object) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.cancelled {
		return errors.New("hosttest: send after cancel")
	}
	conn.sent++
	return nil
}

func (conn *Conn) Cancel() {
	conn.mu.Lock()
	conn.cancelled = true
	conn.mu.Unlock()
}

// Sent reports how many messages went out.
func (conn *Conn) Sent() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.sent
}

// Cancelled reports whether Cancel ran.
func (conn *Conn) Cancelled() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.cancelled
}
