package machpipe_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sliverarmory/machpipe"
	"github.com/sliverarmory/machpipe/xpc"
)

func TestSameNumberDifferentDomains(t *testing.T) {
	// 4 is KERN_INVALID_ARGUMENT as a kernel return and EINTR as a routine code.
	kernelErr := &machpipe.KernelError{Op: "mach_ports_lookup", Code: 4, Description: "(os/kern) invalid argument"}
	routineErr := &machpipe.RoutineError{Port: 0x1303, Code: 4, Description: "Interrupted system call"}

	if machpipe.Classify(kernelErr) != machpipe.ClassMalformed {
		t.Fatalf("kernel 4 classified as %q", machpipe.Classify(kernelErr))
	}
	if machpipe.Classify(routineErr) != machpipe.ClassTransient {
		t.Fatalf("routine 4 classified as %q", machpipe.Classify(routineErr))
	}
	if kernelErr.Code.String() != "KERN_INVALID_ARGUMENT" || routineErr.Code.String() != "EINTR" {
		t.Fatalf("names: %s, %s", kernelErr.Code, routineErr.Code)
	}

	wrapped := fmt.Errorf("stage: %w", routineErr)
	var asKernel *machpipe.KernelError
	if errors.As(wrapped, &asKernel) {
		t.Fatal("routine error matched the kernel domain")
	}
}

func TestClassifySentinels(t *testing.T) {
	cases := map[error]machpipe.Class{
		nil:                          machpipe.ClassNone,
		machpipe.ErrChannelInvalid:   machpipe.ClassInvalidTarget,
		machpipe.ErrNotDictionary:    machpipe.ClassMalformed,
		machpipe.ErrWatchdog:         machpipe.ClassTransient,
		context.DeadlineExceeded:     machpipe.ClassTransient,
		xpc.ErrUnsupported:           machpipe.ClassUnsupported,
		errors.New("something else"): machpipe.ClassUnknown,
		fmt.Errorf("wrapped: %w", machpipe.ErrConnectionInvalid): machpipe.ClassInvalidTarget,
	}
	for err, want := range cases {
		if got := machpipe.Classify(err); got != want {
			t.Fatalf("Classify(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestUnknownCodesStillDescribe(t *testing.T) {
	if got := machpipe.KernReturn(0x7777).String(); got != "kern_return 0x7777" {
		t.Fatalf("KernReturn.String() = %q", got)
	}
	if got := machpipe.RoutineCode(-3).String(); got != "routine error -3" {
		t.Fatalf("RoutineCode.String() = %q", got)
	}
}
