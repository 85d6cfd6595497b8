//go:build linux

// Package kvm implements the hv abstraction on top of Linux's /dev/kvm
// ioctl interface, trimmed to what a single-vCPU, single-region guest debug
// stub needs: memory, register access, run, and KVM_SET_GUEST_DEBUG.
package kvm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinyrange/guestdbg/internal/hv"
	"github.com/tinyrange/guestdbg/internal/timeslice"
	"golang.org/x/sys/unix"
)

var (
	tsKvmHostTime  = timeslice.RegisterKind("kvm_host_time", 0)
	tsKvmGuestTime = timeslice.RegisterKind("kvm_guest_time", timeslice.SliceFlagGuestTime)
)

type exitContext struct {
	timeslice timeslice.TimesliceID
}

func (c *exitContext) SetExitTimeslice(id timeslice.TimesliceID) {
	c.timeslice = id
}

type virtualCPU struct {
	rec *timeslice.Recorder

	vm       *virtualMachine
	runQueue chan func()
	id       int
	fd       int
	run      []byte

	// lastDebugExit and lastExitCode are populated by Run. Both are only
	// ever touched from fn()s executed on this vCPU's runQueue, so neither
	// needs locking of its own.
	lastDebugExit *DebugExit
	lastExitCode  int
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

// RequestImmediateExit interrupts an in-progress KVM_RUN by setting
// immediate_exit and signalling the vCPU's OS thread. tid is the Linux tid
// the vCPU's start() goroutine is pinned to.
func (v *virtualCPU) RequestImmediateExit(tid int) error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	run.immediate_exit = 1

	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type memoryRegion struct {
	mem []byte
}

// implements hv.MemoryRegion.
func (m *memoryRegion) Size() uint64 {
	return uint64(len(m.mem))
}

func (m *memoryRegion) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("kvm: ReadAt offset out of bounds")
	}

	n = copy(p, m.mem[off:])
	if n < len(p) {
		err = fmt.Errorf("kvm: ReadAt short read")
	}

	return n, err
}

func (m *memoryRegion) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("kvm: WriteAt offset out of bounds")
	}

	n = copy(m.mem[off:], p)
	if n < len(p) {
		err = fmt.Errorf("kvm: WriteAt short write")
	}

	return n, err
}

type virtualMachine struct {
	rec *timeslice.Recorder

	hv             *hypervisor
	vmFd           int
	vcpus          map[int]*virtualCPU
	memMu          sync.RWMutex
	memory         []byte
	memoryBase     uint64
	lastMemorySlot uint32
}

// implements hv.VirtualMachine.
func (v *virtualMachine) MemoryBase() uint64        { return v.memoryBase }
func (v *virtualMachine) MemorySize() uint64        { return uint64(len(v.memory)) }
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

var (
	tsKvmAllocateMemory      = timeslice.RegisterKind("kvm_allocate_memory", 0)
	tsKvmSetUserMemoryRegion = timeslice.RegisterKind("kvm_set_user_memory_region", 0)
)

// AllocateMemory implements hv.VirtualMachine. It is used for guest regions
// that sit outside the primary region installed in NewVirtualMachine, such
// as a boot parameter page carved out by a loader.
func (v *virtualMachine) AllocateMemory(physAddr uint64, size uint64) (hv.MemoryRegion, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("allocate memory: size %d exceeds host address limit", size)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("allocate memory: %w", err)
	}

	v.rec.Record(tsKvmAllocateMemory)

	v.lastMemorySlot++
	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          v.lastMemorySlot,
		Flags:         0,
		GuestPhysAddr: physAddr,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		return nil, fmt.Errorf("set user memory region: %w", err)
	}

	v.rec.Record(tsKvmSetUserMemoryRegion)

	return &memoryRegion{mem: mem}, nil
}

// Close implements hv.VirtualMachine.
// Cleanup is performed asynchronously in a background goroutine to avoid
// blocking on kernel resource cleanup.
func (v *virtualMachine) Close() error {
	vcpus := v.vcpus
	v.vcpus = nil

	v.memMu.Lock()
	mem := v.memory
	v.memory = nil
	v.memMu.Unlock()

	vmFd := v.vmFd
	v.vmFd = -1

	for _, vcpu := range vcpus {
		close(vcpu.runQueue)
	}

	go func() {
		for _, vcpu := range vcpus {
			if err := unix.Close(vcpu.fd); err != nil {
				slog.Error("kvm: close vcpu fd", "error", err)
			}
			if err := unix.Munmap(vcpu.run); err != nil {
				slog.Error("kvm: munmap vcpu run", "error", err)
			}
		}

		if mem != nil {
			if err := unix.Munmap(mem); err != nil {
				slog.Error("kvm: munmap memory", "error", err)
			}
		}

		if vmFd >= 0 {
			if err := unix.Close(vmFd); err != nil {
				slog.Error("kvm: close vm fd", "error", err)
			}
		}
	}()

	return nil
}

// Run implements hv.VirtualMachine.
func (v *virtualMachine) Run(ctx context.Context, cfg hv.RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("kvm: RunConfig is nil")
	}

	vcpu, ok := v.vcpus[0]
	if !ok {
		return fmt.Errorf("kvm: no vCPU 0 found")
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- cfg.Run(ctx, vcpu)
	}

	err := <-done
	return err
}

func (v *virtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: ReadAt after close")
	}

	gpa := uint64(off)
	if gpa < v.memoryBase || gpa >= v.memoryBase+uint64(len(v.memory)) {
		return 0, fmt.Errorf("kvm: ReadAt GPA 0x%x out of bounds", gpa)
	}

	hostOff := gpa - v.memoryBase

	n = copy(p, v.memory[hostOff:])
	if n < len(p) {
		err = fmt.Errorf("kvm: ReadAt short read")
	}

	return n, err
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: WriteAt after close")
	}

	gpa := uint64(off)
	if gpa < v.memoryBase || gpa >= v.memoryBase+uint64(len(v.memory)) {
		return 0, fmt.Errorf("kvm: WriteAt GPA 0x%x out of bounds", gpa)
	}

	hostOff := gpa - v.memoryBase

	n = copy(v.memory[hostOff:], p)
	if n < len(p) {
		err = fmt.Errorf("kvm: WriteAt short write")
	}

	return n, err
}

func (v *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vcpu, ok := v.vcpus[id]
	if !ok {
		return fmt.Errorf("kvm: no vCPU %d found", id)
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- f(vcpu)
	}

	return <-done
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

var (
	tsKvmPreInit          = timeslice.RegisterKind("kvm_pre_init", 0)
	tsKvmCreateVm         = timeslice.RegisterKind("kvm_create_vm", 0)
	tsKvmArchVMInit       = timeslice.RegisterKind("kvm_arch_vm_init", 0)
	tsKvmOnCreateVM       = timeslice.RegisterKind("kvm_on_create_vm", 0)
	tsKvmMmapGuestMemory  = timeslice.RegisterKind("kvm_mmap_guest_memory", 0)
	tsKvmOnCreateVMMem    = timeslice.RegisterKind("kvm_on_create_vm_with_memory", 0)
	tsKvmCreateVCPU       = timeslice.RegisterKind("kvm_create_vcpu", 0)
	tsKvmMmapVCPU         = timeslice.RegisterKind("kvm_mmap_vcpu", 0)
	tsKvmArchVCPUInit     = timeslice.RegisterKind("kvm_arch_vcpu_init", 0)
	tsKvmOnCreateVCPU     = timeslice.RegisterKind("kvm_on_create_vcpu", 0)
	tsKvmLoaded           = timeslice.RegisterKind("kvm_loaded", 0)
)

// NewVirtualMachine implements hv.Hypervisor. Only a single vCPU and a
// single contiguous memory region are supported; the VM lifecycle features
// of the wider hv package (devices, split memory, snapshotting) are out of
// scope for a guest-debug stub.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	vm := &virtualMachine{
		hv:    h,
		rec:   timeslice.NewRecorder(),
		vcpus: make(map[int]*virtualCPU),
	}

	vm.rec.Record(tsKvmPreInit)

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm.rec.Record(tsKvmCreateVm)

	vm.vmFd = vmFd

	if err := archVMInit(vm); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("initialize VM: %w", err)
	}

	vm.rec.Record(tsKvmArchVMInit)

	if err := config.Callbacks().OnCreateVM(vm); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("VM callback OnCreateVM: %w", err)
	}

	vm.rec.Record(tsKvmOnCreateVM)

	if config.MemorySize() == 0 {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(config.MemorySize()),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	vm.rec.Record(tsKvmMmapGuestMemory)

	vm.memory = mem
	vm.memoryBase = config.MemoryBase()

	if err := setUserMemoryRegion(vm.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          0,
		Flags:         0,
		GuestPhysAddr: config.MemoryBase(),
		MemorySize:    config.MemorySize(),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("set user memory region: %w", err)
	}

	vm.rec.Record(tsKvmSetUserMemoryRegion)

	if err := config.Callbacks().OnCreateVMWithMemory(vm); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("VM callback OnCreateVMWithMemory: %w", err)
	}

	vm.rec.Record(tsKvmOnCreateVMMem)

	if config.CPUCount() != 1 {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: only 1 vCPU supported, got %d", config.CPUCount())
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("get kvm_run mmap size: %w", err)
	}

	vcpuFd, err := createVCPU(vm.vmFd, 0)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("create vCPU 0: %w", err)
	}

	vm.rec.Record(tsKvmCreateVCPU)

	run, err := unix.Mmap(
		vcpuFd,
		0,
		mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(vcpuFd)
		unix.Close(vmFd)
		return nil, fmt.Errorf("mmap vCPU 0 kvm_run: %w", err)
	}

	vm.rec.Record(tsKvmMmapVCPU)

	vcpu := &virtualCPU{
		rec:      timeslice.NewRecorder(),
		vm:       vm,
		id:       0,
		fd:       vcpuFd,
		run:      run,
		runQueue: make(chan func(), 16),
	}

	vm.vcpus[0] = vcpu

	if err := archVCPUInit(vcpuFd); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("initialize vCPU: %w", err)
	}

	vm.rec.Record(tsKvmArchVCPUInit)

	go vcpu.start()

	if err := config.Callbacks().OnCreateVCPU(vcpu); err != nil {
		unix.Close(vcpuFd)
		unix.Close(vmFd)
		return nil, fmt.Errorf("VM callback OnCreateVCPU 0: %w", err)
	}

	vm.rec.Record(tsKvmOnCreateVCPU)

	loader := config.Loader()
	if loader != nil {
		if err := loader.Load(vm); err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("load VM: %w", err)
		}

		vm.rec.Record(tsKvmLoaded)
	}

	runtime.SetFinalizer(vm, func(v *virtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}
