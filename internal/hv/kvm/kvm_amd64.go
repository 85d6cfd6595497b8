//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/tinyrange/guestdbg/internal/debug"
	"github.com/tinyrange/guestdbg/internal/hv"
	"github.com/tinyrange/guestdbg/internal/timeslice"
	"golang.org/x/sys/unix"
)

var (
	regularRegisters = map[hv.Register]bool{
		hv.RegisterAMD64Rax:    true,
		hv.RegisterAMD64Rbx:    true,
		hv.RegisterAMD64Rcx:    true,
		hv.RegisterAMD64Rdx:    true,
		hv.RegisterAMD64Rsi:    true,
		hv.RegisterAMD64Rdi:    true,
		hv.RegisterAMD64Rsp:    true,
		hv.RegisterAMD64Rbp:    true,
		hv.RegisterAMD64R8:     true,
		hv.RegisterAMD64R9:     true,
		hv.RegisterAMD64R10:    true,
		hv.RegisterAMD64R11:    true,
		hv.RegisterAMD64R12:    true,
		hv.RegisterAMD64R13:    true,
		hv.RegisterAMD64R14:    true,
		hv.RegisterAMD64R15:    true,
		hv.RegisterAMD64Rip:    true,
		hv.RegisterAMD64Rflags: true,
	}

	specialRegisters = map[hv.Register]bool{
		hv.RegisterAMD64Cs:  true,
		hv.RegisterAMD64Ss:  true,
		hv.RegisterAMD64Ds:  true,
		hv.RegisterAMD64Es:  true,
		hv.RegisterAMD64Fs:  true,
		hv.RegisterAMD64Gs:  true,
		hv.RegisterAMD64Cr0: true,
		hv.RegisterAMD64Cr2: true,
		hv.RegisterAMD64Cr3: true,
		hv.RegisterAMD64Cr4: true,
	}
)

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegularRegister := false
	hasSpecialRegisters := false
	for reg := range regs {
		if regularRegisters[reg] {
			hasRegularRegister = true
		} else if specialRegisters[reg] {
			hasSpecialRegisters = true
		} else {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}

	if hasRegularRegister {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		if v, ok := regs[hv.RegisterAMD64Rax]; ok {
			regularRegs.Rax = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Rbx]; ok {
			regularRegs.Rbx = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Rcx]; ok {
			regularRegs.Rcx = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Rdx]; ok {
			regularRegs.Rdx = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Rsi]; ok {
			regularRegs.Rsi = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Rdi]; ok {
			regularRegs.Rdi = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Rsp]; ok {
			regularRegs.Rsp = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Rbp]; ok {
			regularRegs.Rbp = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64R8]; ok {
			regularRegs.R8 = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64R9]; ok {
			regularRegs.R9 = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64R10]; ok {
			regularRegs.R10 = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64R11]; ok {
			regularRegs.R11 = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64R12]; ok {
			regularRegs.R12 = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64R13]; ok {
			regularRegs.R13 = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64R14]; ok {
			regularRegs.R14 = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64R15]; ok {
			regularRegs.R15 = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Rip]; ok {
			regularRegs.Rip = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Rflags]; ok {
			regularRegs.Rflags = uint64(v.(hv.Register64))
		}

		if err := setRegisters(v.fd, &regularRegs); err != nil {
			return fmt.Errorf("kvm: set registers: %w", err)
		}
	}

	if hasSpecialRegisters {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		if v, ok := regs[hv.RegisterAMD64Cs]; ok {
			specialRegs.Cs.Selector = uint16(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Ss]; ok {
			specialRegs.Ss.Selector = uint16(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Ds]; ok {
			specialRegs.Ds.Selector = uint16(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Es]; ok {
			specialRegs.Es.Selector = uint16(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Fs]; ok {
			specialRegs.Fs.Selector = uint16(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Gs]; ok {
			specialRegs.Gs.Selector = uint16(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Cr0]; ok {
			specialRegs.Cr0 = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Cr2]; ok {
			specialRegs.Cr2 = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Cr3]; ok {
			specialRegs.Cr3 = uint64(v.(hv.Register64))
		}
		if v, ok := regs[hv.RegisterAMD64Cr4]; ok {
			specialRegs.Cr4 = uint64(v.(hv.Register64))
		}

		if err := setSRegs(v.fd, &specialRegs); err != nil {
			return fmt.Errorf("kvm: set special registers: %w", err)
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegularRegister := false
	hasSpecialRegisters := false

	for reg := range regs {
		if regularRegisters[reg] {
			hasRegularRegister = true
		} else if specialRegisters[reg] {
			hasSpecialRegisters = true
		} else {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}

	if hasRegularRegister {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg := range regs {
			switch reg {
			case hv.RegisterAMD64Rax:
				regs[reg] = hv.Register64(regularRegs.Rax)
			case hv.RegisterAMD64Rbx:
				regs[reg] = hv.Register64(regularRegs.Rbx)
			case hv.RegisterAMD64Rcx:
				regs[reg] = hv.Register64(regularRegs.Rcx)
			case hv.RegisterAMD64Rdx:
				regs[reg] = hv.Register64(regularRegs.Rdx)
			case hv.RegisterAMD64Rsi:
				regs[reg] = hv.Register64(regularRegs.Rsi)
			case hv.RegisterAMD64Rdi:
				regs[reg] = hv.Register64(regularRegs.Rdi)
			case hv.RegisterAMD64Rsp:
				regs[reg] = hv.Register64(regularRegs.Rsp)
			case hv.RegisterAMD64Rbp:
				regs[reg] = hv.Register64(regularRegs.Rbp)
			case hv.RegisterAMD64R8:
				regs[reg] = hv.Register64(regularRegs.R8)
			case hv.RegisterAMD64R9:
				regs[reg] = hv.Register64(regularRegs.R9)
			case hv.RegisterAMD64R10:
				regs[reg] = hv.Register64(regularRegs.R10)
			case hv.RegisterAMD64R11:
				regs[reg] = hv.Register64(regularRegs.R11)
			case hv.RegisterAMD64R12:
				regs[reg] = hv.Register64(regularRegs.R12)
			case hv.RegisterAMD64R13:
				regs[reg] = hv.Register64(regularRegs.R13)
			case hv.RegisterAMD64R14:
				regs[reg] = hv.Register64(regularRegs.R14)
			case hv.RegisterAMD64R15:
				regs[reg] = hv.Register64(regularRegs.R15)
			case hv.RegisterAMD64Rip:
				regs[reg] = hv.Register64(regularRegs.Rip)
			case hv.RegisterAMD64Rflags:
				regs[reg] = hv.Register64(regularRegs.Rflags)
			}
		}
	}

	if hasSpecialRegisters {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		for reg := range regs {
			switch reg {
			case hv.RegisterAMD64Cs:
				regs[reg] = hv.Register64(specialRegs.Cs.Selector)
			case hv.RegisterAMD64Ss:
				regs[reg] = hv.Register64(specialRegs.Ss.Selector)
			case hv.RegisterAMD64Ds:
				regs[reg] = hv.Register64(specialRegs.Ds.Selector)
			case hv.RegisterAMD64Es:
				regs[reg] = hv.Register64(specialRegs.Es.Selector)
			case hv.RegisterAMD64Fs:
				regs[reg] = hv.Register64(specialRegs.Fs.Selector)
			case hv.RegisterAMD64Gs:
				regs[reg] = hv.Register64(specialRegs.Gs.Selector)
			case hv.RegisterAMD64Cr0:
				regs[reg] = hv.Register64(specialRegs.Cr0)
			case hv.RegisterAMD64Cr2:
				regs[reg] = hv.Register64(specialRegs.Cr2)
			case hv.RegisterAMD64Cr3:
				regs[reg] = hv.Register64(specialRegs.Cr3)
			case hv.RegisterAMD64Cr4:
				regs[reg] = hv.Register64(specialRegs.Cr4)
			}
		}
	}

	return nil
}

// SetGuestDebug implements hv.VirtualCPUDebug via KVM_SET_GUEST_DEBUG.
func (v *virtualCPU) SetGuestDebug(control uint32, dr [8]uint64) error {
	dbg := kvmGuestDebug{
		Control: control,
		Arch:    kvmGuestDebugArch{DebugReg: dr},
	}

	if err := setGuestDebug(v.fd, &dbg); err != nil {
		return fmt.Errorf("kvm: set guest debug: %w", err)
	}

	return nil
}

var (
	_ hv.VirtualCPUDebug = &virtualCPU{}
)

// GetFPUState implements hv.VirtualCPUFPU via KVM_GET_FPU.
func (v *virtualCPU) GetFPUState() (hv.FPUState, error) {
	fpu, err := getFPU(v.fd)
	if err != nil {
		return hv.FPUState{}, fmt.Errorf("kvm: get fpu: %w", err)
	}
	return hv.FPUState{
		ST:    fpu.Fpr,
		FCW:   fpu.Fcw,
		FSW:   fpu.Fsw,
		FTW:   fpu.Ftwx,
		FOP:   fpu.LastOpcode,
		FIP:   fpu.LastIP,
		FDP:   fpu.LastDP,
		XMM:   fpu.Xmm,
		MXCSR: fpu.Mxcsr,
	}, nil
}

// SetFPUState implements hv.VirtualCPUFPU via KVM_SET_FPU.
func (v *virtualCPU) SetFPUState(s hv.FPUState) error {
	fpu := kvmFPU{
		Fpr:        s.ST,
		Fcw:        s.FCW,
		Fsw:        s.FSW,
		Ftwx:       s.FTW,
		LastOpcode: s.FOP,
		LastIP:     s.FIP,
		LastDP:     s.FDP,
		Xmm:        s.XMM,
		Mxcsr:      s.MXCSR,
	}
	if err := setFPU(v.fd, &fpu); err != nil {
		return fmt.Errorf("kvm: set fpu: %w", err)
	}
	return nil
}

var (
	_ hv.VirtualCPUFPU = &virtualCPU{}
)

// DebugExit describes the vCPU state KVM reports alongside KVM_EXIT_DEBUG,
// read out of the kvm_run union's arch.debug member.
type DebugExit struct {
	Exception uint32
	PC        uint64
	DR6       uint64
	DR7       uint64
}

// LastDebugTrap implements hv.VirtualCPUDebug.
func (v *virtualCPU) LastDebugTrap() (pc uint64, dr6 uint64, dr7 uint64, ok bool) {
	if v.lastDebugExit == nil {
		return 0, 0, 0, false
	}
	d := v.lastDebugExit
	return d.PC, d.DR6, d.DR7, true
}

// LastExitCode implements hv.VirtualCPUDebug.
func (v *virtualCPU) LastExitCode() int {
	return v.lastExitCode
}

// debugExitPort is the I/O port a guest writes its process exit status to
// before halting, the minimal convention this stub uses in place of a full
// ELF/Linux exit-status channel (matching the well-known isa-debug-exit
// convention several minimal x86 kernels and QEMU targets already use).
const debugExitPort = 0x501

func (v *virtualCPU) Run(ctx context.Context) error {
	usingContext := false
	var stopNotify func() bool
	if done := ctx.Done(); done != nil {
		usingContext = true
		tid := unix.Gettid()
		stopNotify = context.AfterFunc(ctx, func() {
			_ = v.RequestImmediateExit(tid)
		})
	}
	if stopNotify != nil {
		defer stopNotify()
	}

	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// clear immediate_exit in case it was set
	run.immediate_exit = 0
	v.lastExitCode = 0

	debug.Writef("kvm-amd64.Run run", "vCPU %d running", v.id)

	v.rec.Record(tsKvmHostTime)

	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if usingContext && (errors.Is(ctx.Err(), context.Canceled) ||
				errors.Is(ctx.Err(), context.DeadlineExceeded)) {
				return ctx.Err()
			}

			continue
		} else if err != nil {
			return fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		break
	}

	v.rec.Record(tsKvmGuestTime)

	reason := kvmExitReason(run.exit_reason)

	debug.Writef("kvm-amd64.Run exit", "vCPU %d exited with reason %s", v.id, reason)

	switch reason {
	case kvmExitInternalError:
		ierr := (*internalError)(unsafe.Pointer(&run.anon0[0]))

		return fmt.Errorf("kvm: vCPU %d exited with internal error: %s", v.id, ierr.Suberror)
	case kvmExitDebug:
		d := (*kvmExitDebugData)(unsafe.Pointer(&run.anon0[0]))

		v.lastDebugExit = &DebugExit{
			Exception: d.Exception,
			PC:        d.PC,
			DR6:       d.DR6,
			DR7:       d.DR7,
		}

		return hv.ErrDebugTrap
	case kvmExitIo:
		io := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))

		if io.port == debugExitPort && io.direction == 1 {
			data := v.run[io.dataOffset : io.dataOffset+uint64(io.size)]
			var code uint32
			for i := int(io.size) - 1; i >= 0; i-- {
				code = code<<8 | uint32(data[i])
			}
			v.lastExitCode = int(code)

			return hv.ErrVMHalted
		}

		return fmt.Errorf("kvm: vCPU %d exited with unhandled IO port 0x%x", v.id, io.port)
	case kvmExitHlt:
		return hv.ErrVMHalted
	case kvmExitShutdown:
		debug.Writef("kvm-amd64.Run shutdown", "vCPU %d exited with shutdown reason", v.id)

		return hv.ErrVMHalted
	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))

		debug.Writef("kvm-amd64.Run system event", "vCPU %d exited with system event %d", v.id, system.typ)

		if system.typ == uint32(kvmSystemEventShutdown) {
			return hv.ErrVMHalted
		}
		return fmt.Errorf("kvm: vCPU %d exited with system event %d", v.id, system.typ)
	default:
		return fmt.Errorf("kvm: vCPU %d exited with unexpected reason %s", v.id, reason)
	}
}

func archVMInit(vm *virtualMachine) error {
	debug.Writef("kvm-amd64.archVMInit", "archVMInit")

	if err := setTSSAddr(vm.vmFd, 0xfffbd000); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	return nil
}

func archVCPUInit(vcpuFd int) error {
	return nil
}

func (vcpu *virtualCPU) SetProtectedMode() error {
	sregs, err := getSRegs(vcpu.fd)
	if err != nil {
		return err
	}

	sregs.Ds = kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 2 << 3,
		Present:  1,
		Type:     3, // Data: read/write, accessed
		Dpl:      0,
		Db:       1,
		S:        1, // Code/data
		L:        0,
		G:        1, // 4KB granularity
	}
	sregs.Es = sregs.Ds
	sregs.Fs = sregs.Ds
	sregs.Gs = sregs.Ds
	sregs.Ss = sregs.Ds

	sregs.Cs = kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 1 << 3,
		Present:  1,
		Type:     11, // Code: execute, read, accessed
		Dpl:      0,
		Db:       1,
		S:        1, // Code/data
		L:        0,
		G:        1, // 4KB granularity
	}

	sregs.Cr0 |= 1

	if err := setSRegs(vcpu.fd, &sregs); err != nil {
		return err
	}

	return nil
}

// CR0 bits
const (
	cr0_PE = 1
	cr0_MP = (1 << 1)
	cr0_EM = (1 << 2)
	cr0_TS = (1 << 3)
	cr0_ET = (1 << 4)
	cr0_NE = (1 << 5)
	cr0_WP = (1 << 16)
	cr0_AM = (1 << 18)
	cr0_NW = (1 << 29)
	cr0_CD = (1 << 30)
	cr0_PG = (1 << 31)
)

// CR4 bits
const (
	cr4_PAE = (1 << 5)
)

// EFER bits
const (
	efer_LME = (1 << 8)
	efer_LMA = (1 << 10)
)

const (
	p  = 1 << 0 // present
	rw = 1 << 1 // writable
	us = 1 << 2 // user
	ps = 1 << 7 // page-size (2MiB when set in PDE)
)

func (vcpu *virtualCPU) SetLongModeWithSelectors(
	pagingBase uint64,
	addrSpaceSize int,
	codeSelector, dataSelector uint16,
) error {
	memBase := vcpu.vm.memoryBase
	memData := vcpu.vm.memory

	host := func(gpa uint64) int {
		if gpa < memBase {
			panic("GPA below memory base")
		}
		off := gpa - memBase
		if off > uint64(len(memData)) {
			panic("GPA outside allocated mem")
		}
		return int(off)
	}

	pml4Addr := (memBase + pagingBase + 0x0000) &^ 0xFFF
	pdptAddr := (memBase + pagingBase + 0x1000) &^ 0xFFF
	pdBase := (memBase + pagingBase + 0x2000) &^ 0xFFF

	pml4 := (*[512]uint64)(unsafe.Pointer(&memData[host(pml4Addr)]))[:]
	pdpt := (*[512]uint64)(unsafe.Pointer(&memData[host(pdptAddr)]))[:]

	for i := range pml4 {
		pml4[i] = 0
	}
	for i := range pdpt {
		pdpt[i] = 0
	}

	for giB := 0; giB < addrSpaceSize; giB++ {
		pdAddr := pdBase + uint64(giB)*0x1000
		pd := (*[512]uint64)(unsafe.Pointer(&memData[host(pdAddr)]))[:]
		for i := range pd {
			pd[i] = 0
		}

		pml4[0] = (pdptAddr &^ 0xFFF) | p | rw | us

		pdpt[giB] = (pdAddr &^ 0xFFF) | p | rw | us

		baseGiB := uint64(giB) << 30
		for i := range 512 {
			phys := baseGiB | (uint64(i) << 21)
			pd[i] = (phys &^ 0x1FFFFF) | p | rw | us | ps
		}
	}

	sregs, err := getSRegs(vcpu.fd)
	if err != nil {
		return err
	}

	sregs.Cr3 = pml4Addr
	sregs.Cr4 |= cr4_PAE
	sregs.Cr0 |= cr0_PE | cr0_MP | cr0_ET | cr0_NE | cr0_WP | cr0_AM | cr0_PG
	sregs.Efer = efer_LME | efer_LMA

	code := kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: codeSelector,
		Present:  1,
		Type:     11,
		Dpl:      0,
		Db:       0, // MUST be 0 in 64-bit
		S:        1,
		L:        1, // 64-bit
		G:        1,
	}
	sregs.Cs = code

	data := code
	data.Type = 3
	data.L = 0
	data.Db = 1
	data.Selector = dataSelector
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	if err := setSRegs(vcpu.fd, &sregs); err != nil {
		return err
	}

	return nil
}

var (
	_ hv.VirtualCPUAmd64 = &virtualCPU{}
)
