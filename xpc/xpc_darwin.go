//go:build darwin && cgo

package xpc

/*
#cgo CFLAGS: -fblocks -mmacosx-version-min=11.0
#cgo LDFLAGS: -mmacosx-version-min=11.0
#include <stdlib.h>
#include "xpc_darwin.h"
*/
import "C"

import (
	"errors"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Supported reports whether this build can reach the host interfaces.
const Supported = true

// TaskSelf returns the calling task's own task port.
func TaskSelf() Port {
	return Port(C.machpipe_task_self())
}

// TaskForPID resolves the task port of another process. The caller owns the
// returned send right and drops it with DeallocatePort.
func TaskForPID(pid int) (Port, KernReturn) {
	if pid <= 0 {
		return 0, KernReturn(4) // KERN_INVALID_ARGUMENT
	}
	if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
		return 0, KernReturn(5) // KERN_FAILURE, matching task_for_pid for a dead pid
	}
	var task C.mach_port_t
	kr := C.machpipe_task_for_pid(C.int(pid), &task)
	return Port(task), KernReturn(kr)
}

// DeallocatePort drops one user reference on port in the calling task.
func DeallocatePort(port Port) KernReturn {
	return KernReturn(C.machpipe_port_deallocate(C.mach_port_t(port)))
}

// PortArray is an out-of-line array allocated by the kernel in the caller's
// address space. It stays readable until Deallocate.
type PortArray struct {
	mu       sync.Mutex
	names    unsafe.Pointer
	types    unsafe.Pointer
	count    int
	released bool
}

// PortsLookup returns the ports registered on task (mach_ports_lookup).
// On failure no storage is returned.
func PortsLookup(task Port) (*PortArray, KernReturn) {
	var (
		ports *C.mach_port_t
		count C.mach_msg_type_number_t
	)
	kr := C.machpipe_ports_lookup(C.mach_port_t(task), &ports, &count)
	if kr != 0 {
		return nil, KernReturn(kr)
	}
	return &PortArray{names: unsafe.Pointer(ports), count: int(count)}, KernSuccess
}

// PortNames returns every name in task's IPC space together with its type
// bits (mach_port_names).
func PortNames(task Port) (*PortArray, KernReturn) {
	var (
		names *C.mach_port_name_t
		types *C.mach_port_type_t
		count C.mach_msg_type_number_t
	)
	kr := C.machpipe_port_names(C.mach_port_t(task), &names, &types, &count)
	if kr != 0 {
		return nil, KernReturn(kr)
	}
	return &PortArray{
		names: unsafe.Pointer(names),
		types: unsafe.Pointer(types),
		count: int(count),
	}, KernSuccess
}

// Len reports the element count returned by the kernel.
func (array *PortArray) Len() int {
	return array.count
}

// Ports copies the port names out of kernel storage. It returns nil once the
// array has been released.
func (array *PortArray) Ports() []Port {
	array.mu.Lock()
	defer array.mu.Unlock()

	if array.released || array.names == nil || array.count == 0 {
		return nil
	}
	raw := unsafe.Slice((*C.mach_port_t)(array.names), array.count)
	ports := make([]Port, array.count)
	for i, port := range raw {
		ports[i] = Port(port)
	}
	return ports
}

// Types copies the MACH_PORT_TYPE_* bits, or returns nil for arrays that
// carry no type information.
func (array *PortArray) Types() []uint32 {
	array.mu.Lock()
	defer array.mu.Unlock()

	if array.released || array.types == nil || array.count == 0 {
		return nil
	}
	raw := unsafe.Slice((*C.mach_port_type_t)(array.types), array.count)
	types := make([]uint32, array.count)
	for i, bits := range raw {
		types[i] = uint32(bits)
	}
	return types
}

// Deallocate returns the array storage to the kernel. Later calls are no-ops.
func (array *PortArray) Deallocate() KernReturn {
	array.mu.Lock()
	defer array.mu.Unlock()

	if array.released {
		return KernSuccess
	}
	array.released = true

	count := C.mach_msg_type_number_t(array.count)
	kr := C.machpipe_vm_release(array.names, count, C.size_t(unsafe.Sizeof(C.mach_port_name_t(0))))
	if array.types != nil {
		if typesKR := C.machpipe_vm_release(array.types, count, C.size_t(unsafe.Sizeof(C.mach_port_type_t(0)))); kr == 0 {
			kr = typesKR
		}
	}
	array.names = nil
	array.types = nil
	return KernReturn(kr)
}

// BootstrapLookUp resolves a service name in the caller's bootstrap namespace.
func BootstrapLookUp(name string) (Port, KernReturn) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var port C.mach_port_t
	kr := C.machpipe_bootstrap_look_up(cname, &port)
	return Port(port), KernReturn(kr)
}

// KernString describes a kern_return_t via mach_error_string.
func KernString(kr KernReturn) string {
	return goString(C.machpipe_mach_error_string(C.kern_return_t(kr)))
}

// BootstrapString describes a bootstrap return code via bootstrap_strerror,
// which also covers the plain kern_return_t values.
func BootstrapString(kr KernReturn) string {
	return goString(C.machpipe_bootstrap_strerror(C.kern_return_t(kr)))
}

// Strerror describes an xpc_pipe_routine return code. Codes libxpc does not
// know fall back to the errno text.
func Strerror(code int) string {
	if text := goString(C.machpipe_strerror(C.int(code))); text != "" {
		return text
	}
	return unix.Errno(code).Error()
}

// Object is a retained xpc_object_t.
type Object struct {
	ref unsafe.Pointer
}

// NewDictionary creates an empty XPC dictionary.
func NewDictionary() *Object {
	return &Object{ref: C.machpipe_dictionary_create()}
}

// Kind reports the object's type tag.
func (object *Object) Kind() Kind {
	if object == nil || object.ref == nil {
		return KindOther
	}
	return Kind(C.machpipe_object_kind(object.ref))
}

// Description returns xpc_copy_description of the object.
func (object *Object) Description() string {
	if object == nil || object.ref == nil {
		return ""
	}
	text := C.machpipe_object_description(object.ref)
	if text == nil {
		return ""
	}
	defer C.free(unsafe.Pointer(text))
	return C.GoString(text)
}

// Release drops the caller's reference.
func (object *Object) Release() {
	if object == nil || object.ref == nil {
		return
	}
	C.machpipe_object_release(object.ref)
	object.ref = nil
}

// Pipe is an xpc_pipe_t built directly from a port.
type Pipe struct {
	mu  sync.Mutex
	ref unsafe.Pointer
}

// PipeFromPort wraps port in a raw pipe. libxpc does not validate the port
// here; a bad port only fails on the first routine.
func PipeFromPort(port Port, flags uint64) *Pipe {
	return &Pipe{ref: C.machpipe_pipe_create(C.mach_port_t(port), C.uint64_t(flags))}
}

// Valid reports whether the pipe handle is still live.
func (pipe *Pipe) Valid() bool {
	if pipe == nil {
		return false
	}
	pipe.mu.Lock()
	defer pipe.mu.Unlock()
	return pipe.ref != nil
}

// Routine performs one xpc_pipe_routine exchange. A zero code comes with a
// reply owned by the caller.
func (pipe *Pipe) Routine(request *Object) (*Object, int) {
	pipe.mu.Lock()
	defer pipe.mu.Unlock()

	if pipe.ref == nil || request == nil || request.ref == nil {
		return nil, int(unix.EINVAL)
	}
	var reply unsafe.Pointer
	rc := C.machpipe_pipe_routine(pipe.ref, request.ref, &reply)
	if reply == nil {
		return nil, int(rc)
	}
	return &Object{ref: reply}, int(rc)
}

// Release drops the pipe. Later calls are no-ops.
func (pipe *Pipe) Release() {
	if pipe == nil {
		return
	}
	pipe.mu.Lock()
	defer pipe.mu.Unlock()

	C.machpipe_pipe_release(pipe.ref)
	pipe.ref = nil
}

var (
	deliveryMu   sync.Mutex
	deliveries   = map[uintptr]func(Kind, string){}
	nextDelivery uintptr
)

//export machpipeDeliver
func machpipeDeliver(id C.uintptr_t, kind C.int, desc *C.char) {
	deliveryMu.Lock()
	deliver := deliveries[uintptr(id)]
	deliveryMu.Unlock()

	if deliver == nil {
		return
	}
	var text string
	if desc != nil {
		text = C.GoString(desc)
	}
	deliver(Kind(kind), text)
}

// Connection is an xpc_connection_t to a named Mach service.
type Connection struct {
	mu  sync.Mutex
	ref unsafe.Pointer
	id  uintptr
}

// Connect creates a connection to the named service. deliver runs on an XPC
// dispatch thread once per inbound event until Cancel.
func Connect(name string, flags uint64, deliver func(Kind, string)) (*Connection, error) {
	if deliver == nil {
		return nil, errors.New("xpc: nil event handler")
	}

	deliveryMu.Lock()
	nextDelivery++
	id := nextDelivery
	deliveries[id] = deliver
	deliveryMu.Unlock()

	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	ref := C.machpipe_connect(cname, C.uint64_t(flags), C.uintptr_t(id))
	if ref == nil {
		forgetDelivery(id)
		return nil, errors.New("xpc: xpc_connection_create_mach_service returned NULL")
	}
	return &Connection{ref: ref, id: id}, nil
}

// Resume starts event delivery.
func (connection *Connection) Resume() {
	connection.mu.Lock()
	defer connection.mu.Unlock()

	if connection.ref != nil {
		C.machpipe_connection_resume(connection.ref)
	}
}

// Send enqueues message without waiting for a reply.
func (connection *Connection) Send(message *Object) error {
	connection.mu.Lock()
	defer connection.mu.Unlock()

	if connection.ref == nil {
		return errors.New("xpc: connection cancelled")
	}
	if message == nil || message.ref == nil {
		return errors.New("xpc: nil message")
	}
	C.machpipe_connection_send(connection.ref, message.ref)
	return nil
}

// Cancel tears the connection down and stops delivery. Later calls are no-ops.
func (connection *Connection) Cancel() {
	connection.mu.Lock()
	defer connection.mu.Unlock()

	if connection.ref == nil {
		return
	}
	forgetDelivery(connection.id)
	C.machpipe_connection_cancel(connection.ref)
	connection.ref = nil
}

func forgetDelivery(id uintptr) {
	deliveryMu.Lock()
	delete(deliveries, id)
	deliveryMu.Unlock()
}

func goString(text *C.char) string {
	if text == nil {
		return ""
	}
	return C.GoString(text)
}
