package debugcore

import (
	"context"
	"errors"
	"testing"

	"github.com/tinyrange/guestdbg/internal/hv"
)

// fakeVCPU is a minimal hv.VirtualCPUDebug whose Run behavior is scripted by
// the test, letting session tests exercise Resume's classification without
// any real hypervisor.
type fakeVCPU struct {
	runErr       error
	lastExitCode int

	lastControl uint32
	lastDR      [8]uint64
	setDebugErr error

	runCalls int
}

func (f *fakeVCPU) VirtualMachine() hv.VirtualMachine { return nil }
func (f *fakeVCPU) ID() int                           { return 0 }

func (f *fakeVCPU) SetRegisters(map[hv.Register]hv.RegisterValue) error { return nil }
func (f *fakeVCPU) GetRegisters(map[hv.Register]hv.RegisterValue) error { return nil }

func (f *fakeVCPU) Run(ctx context.Context) error {
	f.runCalls++
	if f.runErr == errWantCtxErr {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.runErr
}

func (f *fakeVCPU) SetGuestDebug(control uint32, dr [8]uint64) error {
	f.lastControl = control
	f.lastDR = dr
	return f.setDebugErr
}

func (f *fakeVCPU) LastDebugTrap() (uint64, uint64, uint64, bool) { return 0, 0, 0, false }
func (f *fakeVCPU) LastExitCode() int                             { return f.lastExitCode }

// errWantCtxErr is a sentinel telling fakeVCPU.Run to block on ctx.Done()
// instead of returning immediately, for the cancellation test.
var errWantCtxErr = errors.New("fakeVCPU: block on context")

var _ hv.VirtualCPUDebug = (*fakeVCPU)(nil)

func TestSessionResumeDebugTrap(t *testing.T) {
	vcpu := &fakeVCPU{runErr: hv.ErrDebugTrap}
	session := NewSession(vcpu)
	session.Breakpoints().Add(0x1000, 0)

	event, err := session.Resume(context.Background(), Continue)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if event.Reason != StopDebug {
		t.Fatalf("Reason = %v, want StopDebug", event.Reason)
	}
	if event.DoneStep {
		t.Fatalf("DoneStep = true for a Continue intent")
	}
	if session.State() != Stopped {
		t.Fatalf("State() = %v, want Stopped", session.State())
	}
	if vcpu.lastDR[0] != 0x1000 {
		t.Fatalf("DR0 = %#x, want 0x1000 (breakpoint snapshot not submitted)", vcpu.lastDR[0])
	}
}

func TestSessionResumeStepSetsSingleStepControlBit(t *testing.T) {
	vcpu := &fakeVCPU{runErr: hv.ErrDebugTrap}
	session := NewSession(vcpu)

	event, err := session.Resume(context.Background(), Step)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !event.DoneStep {
		t.Fatalf("DoneStep = false for a Step intent")
	}
	if vcpu.lastControl&guestDebugSingleStep == 0 {
		t.Fatalf("control = %#x, single-step bit not set", vcpu.lastControl)
	}
}

func TestSessionResumeExited(t *testing.T) {
	vcpu := &fakeVCPU{runErr: hv.ErrVMHalted, lastExitCode: 42}
	session := NewSession(vcpu)

	event, err := session.Resume(context.Background(), Continue)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if event.Reason != StopExited {
		t.Fatalf("Reason = %v, want StopExited", event.Reason)
	}
	if event.ExitCode != 42 {
		t.Fatalf("ExitCode = %d, want 42 (true code, uncoarsened)", event.ExitCode)
	}
	if got := ExitStatus(event.ExitCode); got != 1 {
		t.Fatalf("ExitStatus(42) = %d, want 1", got)
	}
	if got := ExitStatus(0); got != 0 {
		t.Fatalf("ExitStatus(0) = %d, want 0", got)
	}
}

func TestSessionResumeCancelledByContextReportsStopSignal(t *testing.T) {
	vcpu := &fakeVCPU{runErr: errWantCtxErr}
	session := NewSession(vcpu)

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()

	event, err := session.Resume(ctx, Continue)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if event.Reason != StopSignal {
		t.Fatalf("Reason = %v, want StopSignal", event.Reason)
	}
	if session.State() != Stopped {
		t.Fatalf("State() = %v, want Stopped", session.State())
	}
}

func TestSessionResumeSetGuestDebugErrorPropagates(t *testing.T) {
	wantErr := errors.New("boom")
	vcpu := &fakeVCPU{setDebugErr: wantErr}
	session := NewSession(vcpu)

	_, err := session.Resume(context.Background(), Continue)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Resume err = %v, want wrapped %v", err, wantErr)
	}
	if session.State() != Stopped {
		t.Fatalf("State() = %v, want Stopped", session.State())
	}
	if vcpu.runCalls != 0 {
		t.Fatalf("Run called %d times, want 0 when SetGuestDebug fails", vcpu.runCalls)
	}
}

func TestSessionResumeUnexpectedRunErrorPropagates(t *testing.T) {
	wantErr := errors.New("unexpected hypervisor error")
	vcpu := &fakeVCPU{runErr: wantErr}
	session := NewSession(vcpu)

	_, err := session.Resume(context.Background(), Continue)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Resume err = %v, want wrapped %v", err, wantErr)
	}
}

func TestSessionIdleBeforeFirstResume(t *testing.T) {
	vcpu := &fakeVCPU{runErr: hv.ErrDebugTrap}
	session := NewSession(vcpu)
	if session.State() != Idle {
		t.Fatalf("State() = %v, want Idle before any Resume", session.State())
	}
}
