package machpipe

import (
	"context"
	"errors"
	"fmt"

	"github.com/sliverarmory/machpipe/xpc"
)

var (
	ErrChannelClosed         = errors.New("machpipe: channel is closed")
	ErrChannelInvalid        = errors.New("machpipe: channel has no usable pipe")
	ErrNotDictionary         = errors.New("machpipe: request is not a dictionary")
	ErrEmptyReply            = errors.New("machpipe: routine succeeded without a reply")
	ErrPortSetReleased       = errors.New("machpipe: port set is released")
	ErrNoTarget              = errors.New("machpipe: probe target has neither a service name nor a port")
	ErrConnectionClosed      = errors.New("machpipe: connection is closed")
	ErrConnectionInvalid     = errors.New("machpipe: connection invalid")
	ErrConnectionInterrupted = errors.New("machpipe: connection interrupted")
	ErrTerminationImminent   = errors.New("machpipe: service termination imminent")
	ErrWatchdog              = errors.New("machpipe: watchdog expired before the exchange completed")
	ErrForeignNames          = errors.New("machpipe: names from another task are not valid in this IPC space")
)

// KernReturn is a kern_return_t from the Mach port and bootstrap calls. It
// never holds a pipe routine code; those are RoutineCode.
type KernReturn int32

// RoutineCode is the int returned by xpc_pipe_routine. It shares its integer
// range with KernReturn but not its meaning.
type RoutineCode int32

const KernSuccess KernReturn = 0

// KernelError is a failed Mach or bootstrap call.
type KernelError struct {
	Op          string
	Code        KernReturn
	Description string
}

func (err *KernelError) Error() string {
	return fmt.Sprintf("machpipe: %s: %s (%s)", err.Op, err.Description, err.Code)
}

// RoutineError is a failed xpc_pipe_routine exchange.
type RoutineError struct {
	Port        Port
	Code        RoutineCode
	Description string
}

func (err *RoutineError) Error() string {
	return fmt.Sprintf("machpipe: xpc_pipe_routine on port %s: %s (%s)", err.Port, err.Description, err.Code)
}

// Class is a coarse reading of why a call failed. It is informational only:
// nothing in this package retries on it.
type Class string

const (
	ClassNone          Class = ""
	ClassTransient     Class = "transient"
	ClassPermission    Class = "permission"
	ClassMalformed     Class = "malformed"
	ClassInvalidTarget Class = "invalid-target"
	ClassUnsupported   Class = "unsupported"
	ClassUnknown       Class = "unknown"
)

// Classify maps err onto a Class using whichever numeric domain it carries.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var kernelErr *KernelError
	if errors.As(err, &kernelErr) {
		return kernelErr.Code.Class()
	}
	var routineErr *RoutineError
	if errors.As(err, &routineErr) {
		return routineErr.Code.Class()
	}

	switch {
	case errors.Is(err, xpc.ErrUnsupported):
		return ClassUnsupported
	case errors.Is(err, ErrWatchdog),
		errors.Is(err, ErrConnectionInterrupted),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, ErrChannelInvalid),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, ErrConnectionInvalid),
		errors.Is(err, ErrConnectionClosed),
		errors.Is(err, ErrTerminationImminent):
		return ClassInvalidTarget
	case errors.Is(err, ErrNotDictionary),
		errors.Is(err, ErrEmptyReply),
		errors.Is(err, ErrNoTarget),
		errors.Is(err, ErrForeignNames):
		return ClassMalformed
	}
	return ClassUnknown
}

type codeInfo struct {
	name  string
	class Class
}

var kernReturnInfo = map[KernReturn]codeInfo{
	0:          {"KERN_SUCCESS", ClassNone},
	1:          {"KERN_INVALID_ADDRESS", ClassMalformed},
	2:          {"KERN_PROTECTION_FAILURE", ClassPermission},
	3:          {"KERN_NO_SPACE", ClassTransient},
	4:          {"KERN_INVALID_ARGUMENT", ClassMalformed},
	5:          {"KERN_FAILURE", ClassUnknown},
	6:          {"KERN_RESOURCE_SHORTAGE", ClassTransient},
	7:          {"KERN_NOT_RECEIVER", ClassInvalidTarget},
	8:          {"KERN_NO_ACCESS", ClassPermission},
	14:         {"KERN_ABORTED", ClassTransient},
	15:         {"KERN_INVALID_NAME", ClassInvalidTarget},
	16:         {"KERN_INVALID_TASK", ClassInvalidTarget},
	17:         {"KERN_INVALID_RIGHT", ClassInvalidTarget},
	18:         {"KERN_INVALID_VALUE", ClassMalformed},
	20:         {"KERN_INVALID_CAPABILITY", ClassInvalidTarget},
	46:         {"KERN_NOT_SUPPORTED", ClassUnsupported},
	49:         {"KERN_OPERATION_TIMED_OUT", ClassTransient},
	53:         {"KERN_DENIED", ClassPermission},
	1100:       {"BOOTSTRAP_NOT_PRIVILEGED", ClassPermission},
	1101:       {"BOOTSTRAP_NAME_IN_USE", ClassInvalidTarget},
	1102:       {"BOOTSTRAP_UNKNOWN_SERVICE", ClassInvalidTarget},
	1103:       {"BOOTSTRAP_SERVICE_ACTIVE", ClassInvalidTarget},
	1104:       {"BOOTSTRAP_BAD_COUNT", ClassMalformed},
	1105:       {"BOOTSTRAP_NO_MEMORY", ClassTransient},
	1106:       {"BOOTSTRAP_NO_CHILDREN", ClassInvalidTarget},
	0x10000002: {"MACH_SEND_INVALID_DATA", ClassMalformed},
	0x10000003: {"MACH_SEND_INVALID_DEST", ClassInvalidTarget},
	0x10000004: {"MACH_SEND_TIMED_OUT", ClassTransient},
	0x10000007: {"MACH_SEND_INTERRUPTED", ClassTransient},
	0x10000008: {"MACH_SEND_MSG_TOO_SMALL", ClassMalformed},
	0x1000000a: {"MACH_SEND_INVALID_RIGHT", ClassInvalidTarget},
	0x10004002: {"MACH_RCV_INVALID_NAME", ClassInvalidTarget},
	0x10004003: {"MACH_RCV_TIMED_OUT", ClassTransient},
	0x10004004: {"MACH_RCV_TOO_LARGE", ClassMalformed},
	0x10004005: {"MACH_RCV_INTERRUPTED", ClassTransient},
}

// darwin errno values, the domain xpc_pipe_routine reports in.
var routineCodeInfo = map[RoutineCode]codeInfo{
	0:  {"OK", ClassNone},
	1:  {"EPERM", ClassPermission},
	2:  {"ENOENT", ClassInvalidTarget},
	3:  {"ESRCH", ClassInvalidTarget},
	4:  {"EINTR", ClassTransient},
	5:  {"EIO", ClassTransient},
	12: {"ENOMEM", ClassTransient},
	13: {"EACCES", ClassPermission},
	16: {"EBUSY", ClassTransient},
	22: {"EINVAL", ClassMalformed},
	32: {"EPIPE", ClassInvalidTarget},
	35: {"EAGAIN", ClassTransient},
	45: {"ENOTSUP", ClassUnsupported},
	54: {"ECONNRESET", ClassInvalidTarget},
	60: {"ETIMEDOUT", ClassTransient},
	72: {"EBADRPC", ClassMalformed},
	73: {"ERPCMISMATCH", ClassMalformed},
	76: {"EPROCUNAVAIL", ClassMalformed},
	80: {"EAUTH", ClassPermission},
	81: {"ENEEDAUTH", ClassPermission},
	94: {"EBADMSG", ClassMalformed},
}

func (code KernReturn) String() string {
	if info, ok := kernReturnInfo[code]; ok {
		return info.name
	}
	return fmt.Sprintf("kern_return 0x%x", int32(code))
}

// Class reports how a kernel return code should be read.
func (code KernReturn) Class() Class {
	if info, ok := kernReturnInfo[code]; ok {
		return info.class
	}
	return ClassUnknown
}

func (code RoutineCode) String() string {
	if info, ok := routineCodeInfo[code]; ok {
		return info.name
	}
	return fmt.Sprintf("routine error %d", int32(code))
}

// Class reports how a routine return code should be read.
func (code RoutineCode) Class() Class {
	if info, ok := routineCodeInfo[code]; ok {
		return info.class
	}
	return ClassUnknown
}
