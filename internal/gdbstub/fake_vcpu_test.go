package gdbstub

import (
	"context"
	"errors"

	"github.com/tinyrange/guestdbg/internal/hv"
)

// fakeVCPU is a minimal in-memory stand-in for the capability set Target and
// debugcore.Session need, letting the dispatch loop be exercised without a
// real hypervisor.
type fakeVCPU struct {
	regs map[hv.Register]uint64
	fpu  hv.FPUState

	runErr       error
	lastExitCode int
}

func newFakeVCPU() *fakeVCPU {
	return &fakeVCPU{regs: make(map[hv.Register]uint64)}
}

func (f *fakeVCPU) VirtualMachine() hv.VirtualMachine { return nil }
func (f *fakeVCPU) ID() int                           { return 0 }

func (f *fakeVCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, v := range regs {
		f.regs[reg] = uint64(v.(hv.Register64))
	}
	return nil
}

func (f *fakeVCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		regs[reg] = hv.Register64(f.regs[reg])
	}
	return nil
}

func (f *fakeVCPU) Run(ctx context.Context) error {
	if f.runErr != nil {
		return f.runErr
	}
	return errUnsetRunErr
}

func (f *fakeVCPU) SetGuestDebug(control uint32, dr [8]uint64) error { return nil }
func (f *fakeVCPU) LastDebugTrap() (uint64, uint64, uint64, bool)    { return 0, 0, 0, false }
func (f *fakeVCPU) LastExitCode() int                                { return f.lastExitCode }

func (f *fakeVCPU) GetFPUState() (hv.FPUState, error) { return f.fpu, nil }
func (f *fakeVCPU) SetFPUState(s hv.FPUState) error    { f.fpu = s; return nil }

// errUnsetRunErr guards against a test forgetting to script Run's outcome;
// debugcore.Session.Resume would otherwise surface a confusing "unexpected
// clean return" error instead.
var errUnsetRunErr = errors.New("fakeVCPU: Run outcome not scripted")

var (
	_ hv.VirtualCPU      = (*fakeVCPU)(nil)
	_ hv.VirtualCPUFPU   = (*fakeVCPU)(nil)
	_ hv.VirtualCPUDebug = (*fakeVCPU)(nil)
)
