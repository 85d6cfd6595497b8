package gdbstub

import (
	"context"

	"github.com/tinyrange/guestdbg/internal/debugcore"
	"github.com/tinyrange/guestdbg/internal/hv"
)

// Target adapts a debugcore.Session plus the vCPU it controls to what the
// RSP command dispatcher needs. It is the boundary the core spec calls "the
// GDB stub library consumes the target capability set".
type Target struct {
	Session *debugcore.Session
	VCPU    interface {
		hv.VirtualCPU
		hv.VirtualCPUFPU
	}
	Memory *debugcore.Memory
}

func (t *Target) getGPR(reg hv.Register) (uint64, error) {
	regs := map[hv.Register]hv.RegisterValue{reg: hv.Register64(0)}
	if err := t.VCPU.GetRegisters(regs); err != nil {
		return 0, err
	}
	return uint64(regs[reg].(hv.Register64)), nil
}

func (t *Target) setGPR(reg hv.Register, v uint64) error {
	return t.VCPU.SetRegisters(map[hv.Register]hv.RegisterValue{reg: hv.Register64(v)})
}

// resume drives one GDB resume action (continue/step) through the session
// controller and maps the resulting StopEvent to an RSP stop reply.
func (t *Target) resume(ctx context.Context, intent debugcore.ResumeIntent) (string, error) {
	event, err := t.Session.Resume(ctx, intent)
	if err != nil {
		return "", err
	}

	switch event.Reason {
	case debugcore.StopDebug:
		if event.DoneStep {
			return "S05", nil // SIGTRAP
		}
		return "S05", nil
	case debugcore.StopExited:
		return rspExitReply(debugcore.ExitStatus(event.ExitCode)), nil
	case debugcore.StopSignal:
		return "S02", nil // SIGINT
	default:
		return "S04", nil // SIGILL, shouldn't happen
	}
}

func rspExitReply(status int) string {
	if status == 0 {
		return "W00"
	}
	return "W01"
}

// readMemory answers an 'm addr,length' packet: length bytes of guest
// virtual memory starting at addr, hex-encoded.
func (t *Target) readMemory(addr uint64, length int) (string, error) {
	buf := make([]byte, length)
	if err := t.Memory.ReadVirt(addr, buf); err != nil {
		return "", err
	}
	return hexEncode(buf), nil
}

// writeMemory answers an 'M addr,length:data' packet.
func (t *Target) writeMemory(addr uint64, hexData string) error {
	buf, err := hexDecode(hexData)
	if err != nil {
		return errMalformedPacket
	}
	return t.Memory.WriteVirt(addr, buf)
}

// addHwBreakpoint and removeHwBreakpoint back the 'Z1'/'z1' packets; the
// core declines every other breakpoint/watchpoint kind (see dispatch.go).
func (t *Target) addHwBreakpoint(addr uint64, kind uint) bool {
	return t.Session.Breakpoints().Add(addr, kind)
}

func (t *Target) removeHwBreakpoint(addr uint64, kind uint) bool {
	return t.Session.Breakpoints().Remove(addr, kind)
}
