package debugcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/guestdbg/internal/hv"
)

// VcpuStopReason classifies why the debugged vCPU returned control to the
// session controller.
type VcpuStopReason int

const (
	// StopDebug: a hardware breakpoint matched, or a single step completed.
	StopDebug VcpuStopReason = iota
	// StopExited: the guest halted or shut down; ExitCode holds the status.
	StopExited
	// StopSignal: the resume was cancelled by the external interrupt
	// capability before the vCPU reached a debug event on its own.
	StopSignal
)

// StopEvent is the classified result of a resume, reported up to the GDB
// stub.
type StopEvent struct {
	Reason   VcpuStopReason
	ExitCode int  // valid when Reason == StopExited
	DoneStep bool // true when the intent that produced StopDebug was a step
}

// ResumeIntent is what the debugger asked the vCPU to do next.
type ResumeIntent int

const (
	Continue ResumeIntent = iota
	ContinueWithSignal
	Step
	StepWithSignal
)

func (i ResumeIntent) isStep() bool {
	return i == Step || i == StepWithSignal
}

// KVM_GUESTDBG_* control flags, defined here (rather than imported from the
// kvm package) because the session controller must stay hypervisor-neutral;
// any hv.VirtualCPUDebug implementation is expected to interpret this exact
// bit layout, which is the KVM_SET_GUEST_DEBUG control word the kvm backend
// passes through unchanged.
const (
	guestDebugEnable     = 1 << 0
	guestDebugSingleStep = 1 << 1
	guestDebugUseSwBp    = 1 << 16
	guestDebugUseHwBp    = 1 << 17
)

// SessionState is the state machine's current mode.
type SessionState int

const (
	Idle SessionState = iota
	Running
	Stopped
)

// Session is the debug session controller: it owns the breakpoint table for
// one attached vCPU and drives KVM_SET_GUEST_DEBUG programming before every
// resume, in accordance with spec's "reprogram on every resume" rule.
type Session struct {
	vcpu  hv.VirtualCPUDebug
	table Table

	state SessionState
	last  StopEvent
}

func NewSession(vcpu hv.VirtualCPUDebug) *Session {
	return &Session{vcpu: vcpu, state: Idle}
}

func (s *Session) State() SessionState { return s.state }

// Breakpoints exposes the slot manager so the GDB stub's Z/z handlers can
// add/remove directly.
func (s *Session) Breakpoints() *Table { return &s.table }

// Resume submits the current breakpoint snapshot and control flags, then
// runs the vCPU until it stops. If ctx is cancelled before the vCPU stops on
// its own, Resume requests an immediate exit and reports StopSignal instead
// of blocking forever.
func (s *Session) Resume(ctx context.Context, intent ResumeIntent) (StopEvent, error) {
	control := uint32(guestDebugEnable | guestDebugUseSwBp | guestDebugUseHwBp)
	if intent.isStep() {
		control |= guestDebugSingleStep
	}

	if err := s.vcpu.SetGuestDebug(control, s.table.Snapshot()); err != nil {
		s.state = Stopped
		return StopEvent{}, fmt.Errorf("debugcore: set guest debug: %w", err)
	}

	s.state = Running

	err := s.vcpu.Run(ctx)

	switch {
	case errors.Is(err, hv.ErrDebugTrap):
		s.state = Stopped
		event := StopEvent{Reason: StopDebug, DoneStep: intent.isStep()}
		s.last = event
		return event, nil

	case errors.Is(err, hv.ErrVMHalted):
		s.state = Stopped
		event := StopEvent{Reason: StopExited, ExitCode: s.vcpu.LastExitCode()}
		s.last = event
		return event, nil

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.state = Stopped
		event := StopEvent{Reason: StopSignal}
		s.last = event
		return event, nil

	case err != nil:
		s.state = Stopped
		return StopEvent{}, fmt.Errorf("debugcore: resume vcpu: %w", err)

	default:
		// Run returning nil with no sentinel error is not a reachable exit
		// classification for this vCPU; surface it rather than silently
		// reporting success.
		s.state = Stopped
		return StopEvent{}, fmt.Errorf("debugcore: resume vcpu: unexpected clean return from Run")
	}
}

// ExitStatus coarsens a guest exit code to the 0/1 surface spec.md mandates.
// The true code stays available on StopEvent.ExitCode; ExitStatus itself
// does not log it, and neither does the gdbstub caller.
func ExitStatus(code int) int {
	if code == 0 {
		return 0
	}
	return 1
}
