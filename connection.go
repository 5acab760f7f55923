package machpipe

import (
	"context"
	"fmt"
	"sync"
)

// Event is one inbound object on a Connection, handed over read-only as its
// type tag and description.
type Event struct {
	Kind        ObjectKind
	Description string
}

// Err maps the XPC connection error objects onto sentinels. Ordinary
// messages return nil.
func (event Event) Err() error {
	switch event.Kind {
	case KindInvalid:
		return ErrConnectionInvalid
	case KindInterrupted:
		return ErrConnectionInterrupted
	case KindTerminationImminent:
		return ErrTerminationImminent
	default:
		return nil
	}
}

// Connection is a name-brokered XPC connection whose inbound events are
// queued for a single dispatcher (see Listen) instead of a callback.
type Connection struct {
	service string
	conn    ServiceConn
	events  chan Event
	done    chan struct{}
	once    sync.Once
}

// Connect creates and resumes a connection to service.
func (client *Client) Connect(service string, flags uint64) (*Connection, error) {
	if service == "" {
		return nil, ErrNoTarget
	}
	connection := &Connection{
		service: service,
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
	}
	conn, err := client.sys.Connect(service, flags, connection.deliver)
	if err != nil {
		return nil, fmt.Errorf("machpipe: connect %s: %w", service, err)
	}
	connection.conn = conn
	conn.Resume()
	client.logger.Debug("connection resumed", "service", service, "flags", flags)
	return connection, nil
}

// deliver runs on the host's delivery thread. It blocks until the
// dispatcher takes the event or the connection is closed.
func (connection *Connection) deliver(event Event) {
	select {
	case connection.events <- event:
	case <-connection.done:
	}
}

func (connection *Connection) Service() string {
	return connection.service
}

// Events is the inbound queue. It is never closed; use Listen, or select on
// it together with your own stop condition.
func (connection *Connection) Events() <-chan Event {
	return connection.events
}

// Send posts message without waiting for a reply.
func (connection *Connection) Send(message Object) error {
	select {
	case <-connection.done:
		return ErrConnectionClosed
	default:
	}
	if message == nil || message.Kind() != KindDictionary {
		return ErrNotDictionary
	}
	if err := connection.conn.Send(message); err != nil {
		return fmt.Errorf("machpipe: send to %s: %w", connection.service, err)
	}
	return nil
}

// Close cancels the connection and drops undelivered events.
func (connection *Connection) Close() error {
	connection.once.Do(func() {
		close(connection.done)
		if connection.conn != nil {
			connection.conn.Cancel()
		}
	})
	return nil
}

// Listen is the dispatcher: it calls handler once per inbound event, in
// arrival order, on the calling goroutine. It returns ctx's error when ctx
// ends, ErrConnectionClosed after Close, and ErrConnectionInvalid once the
// host invalidates the connection (after handing that event to handler).
func Listen(ctx context.Context, connection *Connection, handler func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-connection.done:
			return ErrConnectionClosed
		case event := <-connection.events:
			handler(event)
			if event.Kind == KindInvalid {
				return fmt.Errorf("%w (%s)", ErrConnectionInvalid, connection.service)
			}
		}
	}
}
