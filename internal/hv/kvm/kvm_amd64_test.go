//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/guestdbg/internal/hv"
)

// codeLoader writes a small hand-assembled x86-64 program into guest memory
// and configures the vCPU to start executing it, either flat 32-bit
// protected mode or identity-mapped long mode.
type codeLoader struct {
	code     []byte
	entry    uint64
	longMode bool
}

func (l *codeLoader) Load(vm hv.VirtualMachine) error {
	_, err := vm.WriteAt(l.code, int64(l.entry))
	return err
}

func (l *codeLoader) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	amd64vcpu, ok := vcpu.(hv.VirtualCPUAmd64)
	if !ok {
		return fmt.Errorf("vcpu does not implement hv.VirtualCPUAmd64")
	}

	if l.longMode {
		if err := amd64vcpu.SetLongModeWithSelectors(0x9000, 1, 1<<3, 2<<3); err != nil {
			return fmt.Errorf("enter long mode: %w", err)
		}
	} else {
		if err := amd64vcpu.SetProtectedMode(); err != nil {
			return fmt.Errorf("enter protected mode: %w", err)
		}
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(l.entry),
		hv.RegisterAMD64Rsp: hv.Register64(0x1ff000),
	}
	if err := vcpu.SetRegisters(regs); err != nil {
		return fmt.Errorf("set entry registers: %w", err)
	}

	return vcpu.Run(ctx)
}

func TestRunSimpleHalt(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	loader := codeLoader{
		code:  []byte{0xf4}, // hlt
		entry: 0x100000,
	}

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: 0x200000,
		MemBase: 0x100000,

		VMLoader: &loader,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	err = vm.Run(context.Background(), &loader)
	if !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run KVM virtual machine: %v", err)
	}
}

func TestRunSimpleAddition(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	loader := codeLoader{
		code: []byte{
			0xb8, 0x28, 0x00, 0x00, 0x00, // mov eax, 40
			0x05, 0x02, 0x00, 0x00, 0x00, // add eax, 2
			0xf4, // hlt
		},
		entry:    0x100000,
		longMode: true,
	}

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: 0x200000,
		MemBase: 0,

		VMLoader: &loader,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	err = vm.Run(context.Background(), &loader)
	if !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run KVM virtual machine: %v", err)
	}

	if err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		regs := map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rax: hv.Register64(0),
		}

		if err := vcpu.GetRegisters(regs); err != nil {
			return fmt.Errorf("get RAX register: %w", err)
		}

		rax := uint64(regs[hv.RegisterAMD64Rax].(hv.Register64))
		if rax != 42 {
			return fmt.Errorf("unexpected RAX value: got %d, want 42", rax)
		}

		return nil
	}); err != nil {
		t.Fatalf("sync vCPU registers: %v", err)
	}
}

func TestGuestDebugHardwareBreakpoint(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	const bpAddr = 0x100005

	loader := codeLoader{
		code: []byte{
			0xb8, 0x28, 0x00, 0x00, 0x00, // mov eax, 40   (0x100000)
			0x05, 0x02, 0x00, 0x00, 0x00, // add eax, 2    (0x100005) <- breakpoint here
			0xf4, // hlt                                   (0x10000a)
		},
		entry:    0x100000,
		longMode: true,
	}

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: 0x200000,
		MemBase: 0,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	if err := loader.Load(vm); err != nil {
		t.Fatalf("load program: %v", err)
	}

	if err := vm.VirtualCPUCall(0, func(v hv.VirtualCPU) error {
		dbg, ok := v.(hv.VirtualCPUDebug)
		if !ok {
			return fmt.Errorf("vcpu does not implement hv.VirtualCPUDebug")
		}

		var dr [8]uint64
		dr[0] = bpAddr
		dr[7] = (1 << 0) | (1 << 9) | (1 << 8) // local-enable slot 0, GE, LE

		if err := dbg.SetGuestDebug(
			kvmGuestDebugEnable|kvmGuestDebugUseHwBp,
			dr,
		); err != nil {
			return fmt.Errorf("set guest debug: %w", err)
		}

		return loader.Run(context.Background(), v)
	}); err != nil {
		if !errors.Is(err, hv.ErrDebugTrap) {
			t.Fatalf("Run KVM virtual machine: %v", err)
		}
	}

	if err := vm.VirtualCPUCall(0, func(v hv.VirtualCPU) error {
		dbg, ok := v.(hv.VirtualCPUDebug)
		if !ok {
			return fmt.Errorf("vcpu does not implement hv.VirtualCPUDebug")
		}

		pc, _, _, ok := dbg.LastDebugTrap()
		if !ok {
			return fmt.Errorf("expected a recorded debug trap")
		}
		if pc != bpAddr {
			return fmt.Errorf("unexpected trap PC: got 0x%x, want 0x%x", pc, bpAddr)
		}

		return nil
	}); err != nil {
		t.Fatalf("check debug trap: %v", err)
	}
}
