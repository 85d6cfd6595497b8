package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/guestdbg/internal/debugcore"
	"github.com/tinyrange/guestdbg/internal/gdbstub"
	"github.com/tinyrange/guestdbg/internal/hv"
)

// debugVCPU is the capability set the session controller and the GDB target
// need together: register/FPU access, run, and guest-debug facility control.
type debugVCPU interface {
	hv.VirtualCPU
	hv.VirtualCPUDebug
	hv.VirtualCPUFPU
	hv.VirtualCPUAmd64
}

// guestLoader implements both hv.VMLoader (copy the flat image into guest
// memory before the vCPU is created) and hv.RunConfig (bring the vCPU up in
// the requested mode, then hand control to the GDB session for the whole
// lifetime of the debugger connection).
type guestLoader struct {
	image []byte
	cfg   GuestImage
	conn  net.Conn
}

func (l *guestLoader) Load(vm hv.VirtualMachine) error {
	bar := progressbar.DefaultBytes(int64(len(l.image)), "loading guest image")
	defer bar.Close()

	const chunk = 64 * 1024
	for off := 0; off < len(l.image); off += chunk {
		end := off + chunk
		if end > len(l.image) {
			end = len(l.image)
		}
		n, err := vm.WriteAt(l.image[off:end], int64(l.cfg.LoadAddr)+int64(off))
		if err != nil {
			return fmt.Errorf("write guest image: %w", err)
		}
		bar.Add(n)
	}
	return nil
}

func (l *guestLoader) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	dv, ok := vcpu.(debugVCPU)
	if !ok {
		return fmt.Errorf("guestdbg: vcpu does not support guest debug facilities")
	}

	if l.cfg.LongMode {
		addrSpace := l.cfg.AddrSpaceGiB
		if addrSpace == 0 {
			addrSpace = 1
		}
		if err := dv.SetLongModeWithSelectors(l.cfg.PagingBase, addrSpace, 1<<3, 2<<3); err != nil {
			return fmt.Errorf("enter long mode: %w", err)
		}
	} else {
		if err := dv.SetProtectedMode(); err != nil {
			return fmt.Errorf("enter protected mode: %w", err)
		}
	}

	if err := dv.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(l.cfg.Entry),
		hv.RegisterAMD64Rsp: hv.Register64(l.cfg.StackTop),
	}); err != nil {
		return fmt.Errorf("set entry registers: %w", err)
	}

	cr3Regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Cr3: hv.Register64(0)}
	if err := dv.GetRegisters(cr3Regs); err != nil {
		return fmt.Errorf("read cr3: %w", err)
	}
	cr3 := uint64(cr3Regs[hv.RegisterAMD64Cr3].(hv.Register64))

	session := debugcore.NewSession(dv)
	mem := debugcore.NewMemory(vcpu.VirtualMachine(), cr3)
	target := &gdbstub.Target{Session: session, VCPU: dv, Memory: mem}

	slog.Info("guestdbg: debugger attached", "remote", l.conn.RemoteAddr())

	if err := gdbstub.Serve(ctx, l.conn, target); err != nil {
		return fmt.Errorf("gdb session: %w", err)
	}

	slog.Info("guestdbg: debugger session ended")
	return nil
}

var (
	_ hv.VMLoader  = &guestLoader{}
	_ hv.RunConfig = &guestLoader{}
)
