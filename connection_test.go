package machpipe_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sliverarmory/machpipe"
)

func TestListenDispatchesUntilInvalid(t *testing.T) {
	fake := newFake()
	client := machpipe.New(machpipe.WithSystem(fake))

	connection, err := client.Connect("com.apple.example", 0)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer connection.Close()

	conns := fake.Conns()
	if len(conns) != 1 || conns[0].Name != "com.apple.example" {
		t.Fatalf("unexpected host connections %+v", conns)
	}
	go func() {
		_ = conns[0].Deliver(machpipe.Event{Kind: machpipe.KindDictionary, Description: "<dictionary> { hello }"})
		_ = conns[0].Deliver(machpipe.Event{Kind: machpipe.KindInterrupted, Description: "Connection interrupted"})
		_ = conns[0].Deliver(machpipe.Event{Kind: machpipe.KindInvalid, Description: "Connection invalid"})
	}()

	var seen []machpipe.Event
	err = machpipe.Listen(context.Background(), connection, func(event machpipe.Event) {
		seen = append(seen, event)
	})
	if !errors.Is(err, machpipe.ErrConnectionInvalid) {
		t.Fatalf("Listen = %v, want ErrConnectionInvalid", err)
	}
	if strings.Count(err.Error(), "machpipe:") != 1 {
		t.Fatalf("error text %q repeats the package prefix", err)
	}
	if len(seen) != 3 || seen[0].Kind != machpipe.KindDictionary {
		t.Fatalf("handler saw %+v", seen)
	}
	if !errors.Is(seen[1].Err(), machpipe.ErrConnectionInterrupted) || seen[0].Err() != nil {
		t.Fatalf("event errors mapped wrongly: %v, %v", seen[0].Err(), seen[1].Err())
	}
}

func TestListenStopsOnContextAndClose(t *testing.T) {
	fake := newFake()
	client := machpipe.New(machpipe.WithSystem(fake))

	connection, err := client.Connect("com.apple.example", 0)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := machpipe.Listen(ctx, connection, func(machpipe.Event) {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Listen = %v, want deadline exceeded", err)
	}

	connection.Close()
	connection.Close()
	if !fake.Conns()[0].Cancelled() {
		t.Fatal("Close did not cancel the host connection")
	}
	if err := machpipe.Listen(context.Background(), connection, func(machpipe.Event) {}); !errors.Is(err, machpipe.ErrConnectionClosed) {
		t.Fatalf("Listen after Close = %v", err)
	}
	// Delivery after close must not block the host thread.
	if err := fake.Conns()[0].Deliver(machpipe.Event{Kind: machpipe.KindDictionary}); err != nil {
		t.Fatalf("Deliver after close: %v", err)
	}
}

func TestConnectionSend(t *testing.T) {
	fake := newFake()
	client := machpipe.New(machpipe.WithSystem(fake))

	connection, err := client.Connect("com.apple.example", 0)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	request := client.NewRequest()
	defer request.Release()

	if err := connection.Send(request); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := connection.Send(fake.NewObject(machpipe.KindOther, "raw")); !errors.Is(err, machpipe.ErrNotDictionary) {
		t.Fatalf("Send(raw) = %v", err)
	}
	connection.Close()
	if err := connection.Send(request); !errors.Is(err, machpipe.ErrConnectionClosed) {
		t.Fatalf("Send after Close = %v", err)
	}
	if got := fake.Conns()[0].Sent(); got != 1 {
		t.Fatalf("host saw %d messages, want 1", got)
	}
}

func TestConnectFailureAndEmptyName(t *testing.T) {
	fake := newFake()
	fake.ConnectFailure = errors.New("no such service")
	client := machpipe.New(machpipe.WithSystem(fake))

	if _, err := client.Connect("", 0); !errors.Is(err, machpipe.ErrNoTarget) {
		t.Fatalf("Connect(\"\") = %v", err)
	}
	if _, err := client.Connect("com.apple.example", 0); !errors.Is(err, fake.ConnectFailure) {
		t.Fatalf("Connect = %v", err)
	}
}
