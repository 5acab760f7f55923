//go:build !darwin || !cgo

package xpc

// Supported reports whether this build can reach the host interfaces.
const Supported = false

func TaskSelf() Port {
	return 0
}

func TaskForPID(pid int) (Port, KernReturn) {
	_ = pid
	return 0, KernNotSupported
}

func DeallocatePort(port Port) KernReturn {
	_ = port
	return KernNotSupported
}

type PortArray struct{}

func PortsLookup(task Port) (*PortArray, KernReturn) {
	_ = task
	return nil, KernNotSupported
}

func PortNames(task Port) (*PortArray, KernReturn) {
	_ = task
	return nil, KernNotSupported
}

func (array *PortArray) Len() int               { return 0 }
func (array *PortArray) Ports() []Port          { return nil }
func (array *PortArray) Types() []uint32        { return nil }
func (array *PortArray) Deallocate() KernReturn { return KernSuccess }

func BootstrapLookUp(name string) (Port, KernReturn) {
	_ = name
	return 0, KernNotSupported
}

func KernString(kr KernReturn) string {
	if kr == KernNotSupported {
		return ErrUnsupported.Error()
	}
	return ""
}

func BootstrapString(kr KernReturn) string {
	return KernString(kr)
}

func Strerror(code int) string {
	if code == errnoNotSupported {
		return ErrUnsupported.Error()
	}
	return ""
}

type Object struct{}

func NewDictionary() *Object { return &Object{} }

func (object *Object) Kind() Kind {
	if object == nil {
		return KindOther
	}
	return KindDictionary
}

func (object *Object) Description() string { return "" }
func (object *Object) Release()            {}

type Pipe struct{}

func PipeFromPort(port Port, flags uint64) *Pipe {
	_, _ = port, flags
	return &Pipe{}
}

func (pipe *Pipe) Valid() bool { return pipe != nil }

func (pipe *Pipe) Routine(request *Object) (*Object, int) {
	_ = request
	return nil, errnoNotSupported
}

func (pipe *Pipe) Release() {}

type Connection struct{}

func Connect(name string, flags uint64, deliver func(Kind, string)) (*Connection, error) {
	_, _, _ = name, flags, deliver
	return nil, ErrUnsupported
}

func (connection *Connection) Resume() {}

func (connection *Connection) Send(message *Object) error {
	_ = message
	return ErrUnsupported
}

func (connection *Connection) Cancel() {}
