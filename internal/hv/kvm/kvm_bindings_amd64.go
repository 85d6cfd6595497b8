//go:build linux && amd64

package kvm

import (
	"unsafe"
)

func getRegisters(vcpuFd int) (kvmRegs, error) {
	var regs kvmRegs

	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetRegs), uintptr(unsafe.Pointer(&regs))); err != nil {
		return kvmRegs{}, err
	}

	return regs, nil
}

func setRegisters(vcpuFd int, regs *kvmRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetRegs), uintptr(unsafe.Pointer(regs)))
	return err
}

func getSRegs(vcpuFd int) (kvmSRegs, error) {
	var sregs kvmSRegs

	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetSregs), uintptr(unsafe.Pointer(&sregs))); err != nil {
		return kvmSRegs{}, err
	}

	return sregs, nil
}

func setSRegs(vcpuFd int, sregs *kvmSRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetSregs), uintptr(unsafe.Pointer(sregs)))
	return err
}

func setTSSAddr(vmFd int, addr uint64) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetTssAddr), uintptr(addr))
	return err
}

func getFPU(vcpuFd int) (kvmFPU, error) {
	var fpu kvmFPU

	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetFpu), uintptr(unsafe.Pointer(&fpu))); err != nil {
		return kvmFPU{}, err
	}

	return fpu, nil
}

func setFPU(vcpuFd int, fpu *kvmFPU) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetFpu), uintptr(unsafe.Pointer(fpu)))
	return err
}

// setGuestDebug programs the vCPU's hardware debug registers and single-step
// mode via KVM_SET_GUEST_DEBUG. Passing a zero-value dbg with Control == 0
// disables guest debugging entirely.
func setGuestDebug(vcpuFd int, dbg *kvmGuestDebug) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetGuestDebug), uintptr(unsafe.Pointer(dbg)))
	return err
}
