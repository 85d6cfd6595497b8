package gdbstub

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/tinyrange/guestdbg/internal/debugcore"
	"github.com/tinyrange/guestdbg/internal/hv"
)

// identityPhys is a flat guest-physical store with a single 4 KiB page
// mapping (virtual 0x400000 to physical 0x10000) built at construction time,
// just enough backing for 'm'/'M' dispatch tests.
type identityPhys struct {
	data []byte
}

const identityPageVA = 0x400000

func newIdentityPhys() *identityPhys {
	p := &identityPhys{data: make([]byte, 1<<20)}

	const cr3, pml4Base, pdptBase, pdBase, ptBase, dataBase = 0, 0x1000, 0x2000, 0x3000, 0x4000, 0x10000

	pml4Index := (uint64(identityPageVA) >> 39) & 0x1ff
	pdptIndex := (uint64(identityPageVA) >> 30) & 0x1ff
	pdIndex := (uint64(identityPageVA) >> 21) & 0x1ff
	ptIndex := (uint64(identityPageVA) >> 12) & 0x1ff

	p.putEntry(cr3, pml4Index, pml4Base|1)
	p.putEntry(pml4Base, pdptIndex, pdptBase|1)
	p.putEntry(pdptBase, pdIndex, pdBase|1)
	p.putEntry(pdBase, ptIndex, dataBase|1)

	return p
}

func (p *identityPhys) putEntry(tableBase, index, entry uint64) {
	binary.LittleEndian.PutUint64(p.data[tableBase+index*8:], entry)
}

func (p *identityPhys) ReadAt(buf []byte, off int64) (int, error) {
	copy(buf, p.data[off:])
	return len(buf), nil
}

func (p *identityPhys) WriteAt(buf []byte, off int64) (int, error) {
	copy(p.data[off:], buf)
	return len(buf), nil
}

func newTestTarget() (*Target, *fakeVCPU) {
	vcpu := newFakeVCPU()
	session := debugcore.NewSession(vcpu)
	mem := debugcore.NewMemory(newIdentityPhys(), 0)
	return &Target{Session: session, VCPU: vcpu, Memory: mem}, vcpu
}

func newTestServer() (*server, *fakeVCPU) {
	target, vcpu := newTestTarget()
	return &server{target: target, packets: make(chan string)}, vcpu
}

func TestDispatchStopQuery(t *testing.T) {
	s, _ := newTestServer()
	reply, err := s.dispatch(context.Background(), "?")
	if err != nil || reply != "S05" {
		t.Fatalf("dispatch(?) = %q, %v, want S05, nil", reply, err)
	}
}

func TestDispatchRegisterSinglePRoundTrip(t *testing.T) {
	s, _ := newTestServer()

	// Register 0 is RAX per gprOrder.
	if _, err := s.dispatch(context.Background(), "P0=2a00000000000000"); err != nil {
		t.Fatalf("dispatch(P0=...): %v", err)
	}

	reply, err := s.dispatch(context.Background(), "p0")
	if err != nil {
		t.Fatalf("dispatch(p0): %v", err)
	}
	if reply != "2a00000000000000" {
		t.Fatalf("p0 = %q, want 2a00000000000000 (0x2a little-endian)", reply)
	}
}

func TestDispatchBulkGRoundTrip(t *testing.T) {
	s, _ := newTestServer()

	original, err := s.dispatch(context.Background(), "g")
	if err != nil {
		t.Fatalf("dispatch(g): %v", err)
	}
	if len(original) == 0 || len(original)%2 != 0 {
		t.Fatalf("g reply has odd/empty length: %d", len(original))
	}

	if _, err := s.dispatch(context.Background(), "G"+original); err != nil {
		t.Fatalf("dispatch(G...): %v", err)
	}

	roundTripped, err := s.dispatch(context.Background(), "g")
	if err != nil {
		t.Fatalf("dispatch(g) after G: %v", err)
	}
	if roundTripped != original {
		t.Fatalf("g after G round-trip mismatch:\n got  %s\n want %s", roundTripped, original)
	}
}

func TestDispatchMemoryReadWrite(t *testing.T) {
	s, _ := newTestServer()

	// "68656c6c6f" = "hello"
	if _, err := s.dispatch(context.Background(), "M400000,5:68656c6c6f"); err != nil {
		t.Fatalf("dispatch(M...): %v", err)
	}

	reply, err := s.dispatch(context.Background(), "m400000,5")
	if err != nil {
		t.Fatalf("dispatch(m...): %v", err)
	}
	if reply != "68656c6c6f" {
		t.Fatalf("m reply = %q, want 68656c6c6f", reply)
	}
}

func TestDispatchMemoryReadUnmappedReturnsE01(t *testing.T) {
	s, _ := newTestServer()

	reply, err := s.dispatch(context.Background(), "m1000000,5")
	if err != nil {
		t.Fatalf("dispatch(m...) unexpected error: %v", err)
	}
	if reply != "E01" {
		t.Fatalf("reply = %q, want E01", reply)
	}
}

func TestDispatchHardwareBreakpointInsertRemove(t *testing.T) {
	s, _ := newTestServer()

	reply, err := s.dispatch(context.Background(), "Z1,400000,1")
	if err != nil || reply != "OK" {
		t.Fatalf("dispatch(Z1 insert) = %q, %v, want OK, nil", reply, err)
	}

	reply, err = s.dispatch(context.Background(), "z1,400000,1")
	if err != nil || reply != "OK" {
		t.Fatalf("dispatch(z1 remove) = %q, %v, want OK, nil", reply, err)
	}
}

func TestDispatchSoftwareBreakpointDeclined(t *testing.T) {
	s, _ := newTestServer()
	reply, err := s.dispatch(context.Background(), "Z0,400000,1")
	if err != nil {
		t.Fatalf("dispatch(Z0) unexpected error: %v", err)
	}
	if reply != "" {
		t.Fatalf("reply = %q, want empty (unsupported) for software breakpoints", reply)
	}
}

func TestDispatchQSupportedAdvertisesNoAckMode(t *testing.T) {
	s, _ := newTestServer()
	reply, err := s.dispatch(context.Background(), "qSupported:multiprocess+")
	if err != nil {
		t.Fatalf("dispatch(qSupported): %v", err)
	}
	if !strings.Contains(reply, "QStartNoAckMode+") {
		t.Fatalf("qSupported reply = %q, missing QStartNoAckMode", reply)
	}
}

func TestDispatchStartNoAckModeTogglesServerState(t *testing.T) {
	s, _ := newTestServer()
	if s.noAck {
		t.Fatalf("noAck = true before QStartNoAckMode")
	}
	reply, err := s.dispatch(context.Background(), "QStartNoAckMode")
	if err != nil || reply != "OK" {
		t.Fatalf("dispatch(QStartNoAckMode) = %q, %v, want OK, nil", reply, err)
	}
	if !s.noAck {
		t.Fatalf("noAck = false after QStartNoAckMode")
	}
}

func TestDispatchVContCapabilityQuery(t *testing.T) {
	s, _ := newTestServer()
	reply, err := s.dispatch(context.Background(), "vCont?")
	if err != nil || reply != "vCont;c;s" {
		t.Fatalf("dispatch(vCont?) = %q, %v, want vCont;c;s, nil", reply, err)
	}
}

func TestDispatchContinueReportsExit(t *testing.T) {
	s, vcpu := newTestServer()
	vcpu.runErr = hv.ErrVMHalted
	vcpu.lastExitCode = 0

	reply, err := s.dispatch(context.Background(), "c")
	if err != nil {
		t.Fatalf("dispatch(c): %v", err)
	}
	if reply != "W00" {
		t.Fatalf("reply = %q, want W00", reply)
	}
}

func TestDispatchStepReportsTrap(t *testing.T) {
	s, vcpu := newTestServer()
	vcpu.runErr = hv.ErrDebugTrap

	reply, err := s.dispatch(context.Background(), "s")
	if err != nil {
		t.Fatalf("dispatch(s): %v", err)
	}
	if reply != "S05" {
		t.Fatalf("reply = %q, want S05", reply)
	}
}

func TestDispatchUnknownPacketReturnsEmpty(t *testing.T) {
	s, _ := newTestServer()
	reply, err := s.dispatch(context.Background(), "qSomethingUnknown")
	if err != nil {
		t.Fatalf("dispatch(unknown): %v", err)
	}
	if reply != "" {
		t.Fatalf("reply = %q, want empty", reply)
	}
}
