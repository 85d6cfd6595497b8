// Package hv defines the virtualization abstraction that the debug core is
// built against: a vCPU that can run, report its registers, and be placed
// under guest-debug control, and a VM that owns guest memory.
package hv

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/guestdbg/internal/timeslice"
)

var (
	ErrInterrupted           = errors.New("operation interrupted")
	ErrVMHalted              = errors.New("virtual machine halted")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")

	// ErrDebugTrap is returned by VirtualCPU.Run when the vCPU stopped
	// because of KVM_EXIT_DEBUG (a hardware breakpoint or single-step
	// completed). Callers that care about the trapped PC and the debug
	// status registers read them via VirtualCPUDebug.LastDebugTrap.
	ErrDebugTrap = errors.New("vcpu stopped at debug trap")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	RegisterAMD64Cs
	RegisterAMD64Ss
	RegisterAMD64Ds
	RegisterAMD64Es
	RegisterAMD64Fs
	RegisterAMD64Gs

	RegisterAMD64Cr0
	RegisterAMD64Cr2
	RegisterAMD64Cr3
	RegisterAMD64Cr4
)

var registerNames = map[Register]string{
	RegisterAMD64Rax:    "RAX",
	RegisterAMD64Rbx:    "RBX",
	RegisterAMD64Rcx:    "RCX",
	RegisterAMD64Rdx:    "RDX",
	RegisterAMD64Rsi:    "RSI",
	RegisterAMD64Rdi:    "RDI",
	RegisterAMD64Rsp:    "RSP",
	RegisterAMD64Rbp:    "RBP",
	RegisterAMD64R8:     "R8",
	RegisterAMD64R9:     "R9",
	RegisterAMD64R10:    "R10",
	RegisterAMD64R11:    "R11",
	RegisterAMD64R12:    "R12",
	RegisterAMD64R13:    "R13",
	RegisterAMD64R14:    "R14",
	RegisterAMD64R15:    "R15",
	RegisterAMD64Rip:    "RIP",
	RegisterAMD64Rflags: "RFLAGS",
	RegisterAMD64Cs:     "CS",
	RegisterAMD64Ss:     "SS",
	RegisterAMD64Ds:     "DS",
	RegisterAMD64Es:     "ES",
	RegisterAMD64Fs:     "FS",
	RegisterAMD64Gs:     "GS",
	RegisterAMD64Cr0:    "CR0",
	RegisterAMD64Cr2:    "CR2",
	RegisterAMD64Cr3:    "CR3",
	RegisterAMD64Cr4:    "CR4",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(0x%X)", uint64(r))
}

type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	Run(ctx context.Context) error
}

// VirtualCPUDebug is implemented by vCPUs whose hypervisor exposes hardware
// guest-debug facilities (KVM_SET_GUEST_DEBUG and friends). control is a
// bitmask of the guestdbg enable/single-step/use-breakpoint flags; dr holds
// DR0-DR7 in order (DR4/DR5 are always zero).
type VirtualCPUDebug interface {
	VirtualCPU

	SetGuestDebug(control uint32, dr [8]uint64) error

	// LastDebugTrap reports the state captured by the most recent Run that
	// returned ErrDebugTrap: the PC and live DR6/DR7 values KVM reported
	// alongside the exit.
	LastDebugTrap() (pc uint64, dr6 uint64, dr7 uint64, ok bool)

	// LastExitCode reports the status code the guest wrote to the
	// debug-exit port before the most recent Run that returned
	// ErrVMHalted via that path. 0 for a bare HLT with no code written.
	LastExitCode() int
}

// FPUState is the x87/SSE register file, laid out close to KVM's
// kvm_fpu/FXSAVE area but independent of any particular hypervisor ABI.
type FPUState struct {
	ST    [8][16]byte
	FCW   uint16
	FSW   uint16
	FTW   uint8
	FOP   uint16
	FIP   uint64
	FDP   uint64
	XMM   [16][16]byte
	MXCSR uint32
}

// VirtualCPUFPU exposes the x87/SSE register file for hypervisors that
// track it separately from the general-purpose register set (KVM does, via
// KVM_GET/SET_FPU). GDB's X86_64_SSE target description wants these for a
// complete register dump even though the debug core itself never inspects
// them.
type VirtualCPUFPU interface {
	VirtualCPU

	GetFPUState() (FPUState, error)
	SetFPUState(FPUState) error
}

type VirtualCPUAmd64 interface {
	VirtualCPU

	SetProtectedMode() error
	SetLongModeWithSelectors(
		pagingBase uint64,
		addrSpaceSize int,
		codeSelector, dataSelector uint16,
	) error
}

type RunConfig interface {
	Run(ctx context.Context, vcpu VirtualCPU) error
}

type ExitContext interface {
	SetExitTimeslice(id timeslice.TimesliceID)
}

type MemoryRegion interface {
	io.ReaderAt
	io.WriterAt

	Size() uint64
}

type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Hypervisor() Hypervisor

	MemorySize() uint64
	MemoryBase() uint64

	Run(ctx context.Context, cfg RunConfig) error

	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error

	AllocateMemory(physAddr, size uint64) (MemoryRegion, error)
}

type VMLoader interface {
	Load(vm VirtualMachine) error
}

type VMCallbacks interface {
	OnCreateVM(vm VirtualMachine) error
	OnCreateVMWithMemory(vm VirtualMachine) error
	OnCreateVCPU(vCpu VirtualCPU) error
}

type VMConfig interface {
	// Assume all methods here will be treated as dumb getters which can be
	// called multiple times across multiple threads.

	CPUCount() int
	MemorySize() uint64
	MemoryBase() uint64
	Callbacks() VMCallbacks
	Loader() VMLoader
}

type SimpleVMConfig struct {
	NumCPUs  int
	MemSize  uint64
	MemBase  uint64
	VMLoader VMLoader

	CreateVM           func(vm VirtualMachine) error
	CreateVMWithMemory func(vm VirtualMachine) error
	CreateVCPU         func(vCpu VirtualCPU) error
}

func (c SimpleVMConfig) OnCreateVMWithMemory(vm VirtualMachine) error {
	if c.CreateVMWithMemory != nil {
		return c.CreateVMWithMemory(vm)
	}
	return nil
}

func (c SimpleVMConfig) OnCreateVM(vm VirtualMachine) error {
	if c.CreateVM != nil {
		return c.CreateVM(vm)
	}
	return nil
}

func (c SimpleVMConfig) OnCreateVCPU(vCpu VirtualCPU) error {
	if c.CreateVCPU != nil {
		return c.CreateVCPU(vCpu)
	}
	return nil
}

func (c SimpleVMConfig) CPUCount() int          { return c.NumCPUs }
func (c SimpleVMConfig) MemorySize() uint64     { return c.MemSize }
func (c SimpleVMConfig) MemoryBase() uint64     { return c.MemBase }
func (c SimpleVMConfig) Callbacks() VMCallbacks { return c }
func (c SimpleVMConfig) Loader() VMLoader       { return c.VMLoader }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
