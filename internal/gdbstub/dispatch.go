package gdbstub

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/tinyrange/guestdbg/internal/debugcore"
)

// server holds the per-connection state the dispatch loop needs: the framed
// reader/writer pair, the no-ack negotiation flag, and the channel the
// background packet reader feeds so that a resume in progress can still
// observe an out-of-band Ctrl-C.
type server struct {
	target  *Target
	w       *bufio.Writer
	noAck   bool
	packets chan string
}

// Serve drives one GDB remote-protocol connection against target until the
// link drops. Only one command is ever dispatched at a time — concurrent
// commands against the same vCPU debug state would race the breakpoint table
// and the debug registers — matching the single-GDB-connection discipline
// most stubs use.
func Serve(ctx context.Context, conn net.Conn, target *Target) error {
	r := bufio.NewReader(conn)
	s := &server{
		target:  target,
		w:       bufio.NewWriter(conn),
		packets: make(chan string),
	}

	recvErr := make(chan error, 1)
	go func() {
		defer close(s.packets)
		for {
			p, err := readPacket(r)
			if err != nil {
				recvErr <- err
				return
			}
			s.packets <- p
		}
	}()

	for packet := range s.packets {
		if packet == "" || packet == "\x03" {
			// A bare Ctrl-C with nothing in flight has no effect.
			continue
		}

		if !s.noAck {
			if err := s.w.WriteByte('+'); err != nil {
				return err
			}
		}

		reply, err := s.dispatch(ctx, packet)
		if err != nil {
			return fmt.Errorf("gdbstub: dispatch %q: %w", packet, err)
		}

		if err := writePacket(s.w, reply); err != nil {
			return err
		}
	}

	select {
	case err := <-recvErr:
		return err
	default:
		return nil
	}
}

// dispatch maps one RSP command packet to a Target operation and returns the
// reply payload (without framing). An empty string is the RSP convention for
// "command not supported".
func (s *server) dispatch(ctx context.Context, packet string) (string, error) {
	switch {
	case packet == "?":
		return "S05", nil

	case packet == "g":
		return s.target.encodeAll()

	case strings.HasPrefix(packet, "G"):
		if err := s.target.decodeAll(packet[1:]); err != nil {
			return "", err
		}
		return "OK", nil

	case strings.HasPrefix(packet, "p"):
		regnum, err := strconv.ParseInt(packet[1:], 16, 32)
		if err != nil {
			return "", errMalformedPacket
		}
		return s.target.encodeOne(int(regnum))

	case strings.HasPrefix(packet, "P"):
		eq := strings.IndexByte(packet, '=')
		if eq < 0 {
			return "", errMalformedPacket
		}
		regnum, err := strconv.ParseInt(packet[1:eq], 16, 32)
		if err != nil {
			return "", errMalformedPacket
		}
		if err := s.target.decodeOne(int(regnum), packet[eq+1:]); err != nil {
			return "", err
		}
		return "OK", nil

	case strings.HasPrefix(packet, "m"):
		addr, length, err := parseAddrLength(packet[1:])
		if err != nil {
			return "", err
		}
		reply, err := s.target.readMemory(addr, length)
		if err != nil {
			return "E01", nil //nolint:nilerr // target error, reported per spec's §7 recoverable-error policy
		}
		return reply, nil

	case strings.HasPrefix(packet, "M"):
		rest := packet[1:]
		colon := strings.IndexByte(rest, ':')
		if colon < 0 {
			return "", errMalformedPacket
		}
		addr, _, err := parseAddrLength(rest[:colon])
		if err != nil {
			return "", err
		}
		if err := s.target.writeMemory(addr, rest[colon+1:]); err != nil {
			return "E01", nil //nolint:nilerr // target error, reported per spec's §7 recoverable-error policy
		}
		return "OK", nil

	case packet == "c" || packet == "s":
		intent := debugcore.Continue
		if packet == "s" {
			intent = debugcore.Step
		}
		return s.resumeWithInterrupt(ctx, intent)

	case strings.HasPrefix(packet, "vCont"):
		return s.dispatchVCont(ctx, packet)

	case packet[0] == 'Z' || packet[0] == 'z':
		return s.dispatchBreakpoint(packet)

	case strings.HasPrefix(packet, "qSupported"):
		return "PacketSize=1000;QStartNoAckMode+", nil

	case packet == "QStartNoAckMode":
		s.noAck = true
		return "OK", nil

	case packet == "qAttached":
		return "1", nil

	case packet == "qfThreadInfo", packet == "qsThreadInfo":
		return "l", nil

	case strings.HasPrefix(packet, "Hg"), strings.HasPrefix(packet, "Hc"):
		// Thread selection: this core attaches to exactly one vCPU, so any
		// thread-id the debugger names is already the right target.
		return "OK", nil

	case strings.HasPrefix(packet, "qC"):
		return "QC1", nil

	default:
		return "", nil
	}
}

// resumeWithInterrupt runs a resume in the background while still watching
// the packet channel for an out-of-band Ctrl-C (0x03), per spec.md §4.4/§5's
// interrupt/cancellation requirement. Any other packet arriving mid-resume
// is unexpected RSP traffic and is dropped rather than desynchronizing the
// session.
func (s *server) resumeWithInterrupt(ctx context.Context, intent debugcore.ResumeIntent) (string, error) {
	resumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		reply string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := s.target.resume(resumeCtx, intent)
		done <- result{reply, err}
	}()

	for {
		select {
		case r := <-done:
			return r.reply, r.err
		case p, ok := <-s.packets:
			if !ok {
				cancel()
				r := <-done
				return r.reply, r.err
			}
			if p == "\x03" {
				cancel()
			}
			// Anything else mid-resume is dropped; GDB does not issue new
			// commands while one is outstanding.
		}
	}
}

// dispatchVCont handles the 'vCont' packet family: a capability query
// ("vCont?") and the continue/step actions this core supports.
func (s *server) dispatchVCont(ctx context.Context, packet string) (string, error) {
	if packet == "vCont?" {
		return "vCont;c;s", nil
	}

	actions := strings.Split(packet[len("vCont;"):], ";")
	for _, action := range actions {
		switch {
		case strings.HasPrefix(action, "c"):
			return s.resumeWithInterrupt(ctx, debugcore.Continue)
		case strings.HasPrefix(action, "s"):
			return s.resumeWithInterrupt(ctx, debugcore.Step)
		}
	}
	return "", nil
}

// dispatchBreakpoint handles 'Z'/'z' insert/remove. Type 1 is the hardware
// instruction breakpoint this core implements; type 0 (software breakpoint)
// and types 2-4 (watchpoints) are declined per spec.md's Non-goals, which
// GDB interprets as "fall back to another mechanism" (memory-patched int3
// for type 0) rather than a hard failure.
func (s *server) dispatchBreakpoint(packet string) (string, error) {
	insert := packet[0] == 'Z'
	rest := packet[2:] // skip "Z<type>" / "z<type>", comma follows
	kindNum := packet[1] - '0'

	if kindNum != 1 {
		return "", nil
	}

	if len(rest) == 0 || rest[0] != ',' {
		return "", errMalformedPacket
	}
	addr, kind, err := parseAddrLength(rest[1:])
	if err != nil {
		return "", err
	}

	var ok bool
	if insert {
		ok = s.target.addHwBreakpoint(addr, uint(kind))
	} else {
		ok = s.target.removeHwBreakpoint(addr, uint(kind))
	}
	if !ok {
		return "E01", nil
	}
	return "OK", nil
}

// parseAddrLength parses the common "addr,length" hex pair GDB uses for
// memory and breakpoint packets.
func parseAddrLength(s string) (addr uint64, length int, err error) {
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return 0, 0, errMalformedPacket
	}
	a, err := strconv.ParseUint(s[:comma], 16, 64)
	if err != nil {
		return 0, 0, errMalformedPacket
	}
	l, err := strconv.ParseInt(s[comma+1:], 16, 32)
	if err != nil {
		return 0, 0, errMalformedPacket
	}
	return a, int(l), nil
}
