//go:build linux

package kvm

import "fmt"

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmGetVcpuMmapSize     = 0xae04
	kvmCreateVcpu          = 0xae41
	kvmSetTssAddr          = 0xae47
	kvmRun                 = 0xae80
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetFpu              = 0x81a0ae8c
	kvmSetFpu              = 0x41a0ae8d
	kvmSetGuestDebug       = 0x4048ae9b
)

// KVM_GUESTDBG_* flags for kvmGuestDebug.Control.
const (
	kvmGuestDebugEnable     = 0x00000001
	kvmGuestDebugSingleStep = 0x00000002
	kvmGuestDebugUseSwBp    = 0x00010000
	kvmGuestDebugUseHwBp    = 0x00020000
)

type kvmExitReason uint32

func (kr kvmExitReason) String() string {
	switch kr {
	case kvmExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case kvmExitException:
		return "KVM_EXIT_EXCEPTION"
	case kvmExitIo:
		return "KVM_EXIT_IO"
	case kvmExitHypercall:
		return "KVM_EXIT_HYPERCALL"
	case kvmExitDebug:
		return "KVM_EXIT_DEBUG"
	case kvmExitHlt:
		return "KVM_EXIT_HLT"
	case kvmExitMmio:
		return "KVM_EXIT_MMIO"
	case kvmExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case kvmExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case kvmExitIntr:
		return "KVM_EXIT_INTR"
	case kvmExitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	case kvmExitSystemEvent:
		return "KVM_EXIT_SYSTEM_EVENT"
	default:
		return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(kr))
	}
}

const (
	kvmExitUnknown       kvmExitReason = 0
	kvmExitException     kvmExitReason = 1
	kvmExitIo            kvmExitReason = 2
	kvmExitHypercall     kvmExitReason = 3
	kvmExitDebug         kvmExitReason = 4
	kvmExitHlt           kvmExitReason = 5
	kvmExitMmio          kvmExitReason = 6
	kvmExitShutdown      kvmExitReason = 8
	kvmExitFailEntry     kvmExitReason = 9
	kvmExitIntr          kvmExitReason = 10
	kvmExitInternalError kvmExitReason = 17
	kvmExitSystemEvent   kvmExitReason = 24
)

const (
	kvmSystemEventShutdown = 1
	kvmSystemEventReset    = 2
	kvmSystemEventCrash    = 3
)
