package machpipe

import (
	"fmt"
	"sync"
)

// Channel is a raw pipe built straight from a port. One exchange runs at a
// time; Invoke and Close serialize on the channel.
type Channel struct {
	mu     sync.Mutex
	client *Client
	port   Port
	flags  uint64
	pipe   Pipe
	closed bool
}

// OpenChannel wraps port in a pipe. Nothing is checked here: a dead or
// unauthorized port only fails on the first Invoke.
func (client *Client) OpenChannel(port Port, flags uint64) *Channel {
	client.logger.Debug("opening channel", "port", port, "flags", flags)
	return &Channel{
		client: client,
		port:   port,
		flags:  flags,
		pipe:   client.sys.PipeFromPort(port, flags),
	}
}

// Port is the port the channel was built from.
func (channel *Channel) Port() Port {
	return channel.port
}

// Invoke sends request and waits for the reply. request must be a
// dictionary. On success the caller owns the reply. A non-zero routine code
// comes back as a *RoutineError with its description filled in.
func (channel *Channel) Invoke(request Object) (Object, error) {
	if request == nil || request.Kind() != KindDictionary {
		return nil, ErrNotDictionary
	}

	channel.mu.Lock()
	defer channel.mu.Unlock()

	if channel.closed {
		return nil, ErrChannelClosed
	}
	if channel.pipe == nil || !channel.pipe.Valid() {
		return nil, fmt.Errorf("%w (port %s)", ErrChannelInvalid, channel.port)
	}

	reply, code := channel.pipe.Routine(request)
	if code != 0 {
		if reply != nil {
			reply.Release()
		}
		return nil, channel.routineError(code)
	}
	if reply == nil {
		return nil, fmt.Errorf("%w (port %s)", ErrEmptyReply, channel.port)
	}
	channel.client.logger.Debug("routine completed", "port", channel.port, "reply_kind", reply.Kind())
	return reply, nil
}

func (channel *Channel) routineError(code RoutineCode) *RoutineError {
	description := channel.client.sys.RoutineString(code)
	if description == "" {
		description = code.String()
	}
	channel.client.logger.Warn("routine failed", "port", channel.port, "code", code, "description", description)
	return &RoutineError{Port: channel.port, Code: code, Description: description}
}

// Close releases the pipe. It waits for an in-flight Invoke.
func (channel *Channel) Close() error {
	channel.mu.Lock()
	defer channel.mu.Unlock()

	if channel.closed {
		return nil
	}
	channel.closed = true
	if channel.pipe != nil {
		channel.pipe.Release()
		channel.pipe = nil
	}
	return nil
}
