package gdbstub

import (
	"encoding/binary"

	"github.com/tinyrange/guestdbg/internal/hv"
)

// gprOrder is the x86-64 GDB target description's GPR/flags/segment order
// for the 'g'/'G' packets (gdb's amd64 + i386/64bit-core.xml layout).
var gprOrder = []hv.Register{
	hv.RegisterAMD64Rax, hv.RegisterAMD64Rbx, hv.RegisterAMD64Rcx, hv.RegisterAMD64Rdx,
	hv.RegisterAMD64Rsi, hv.RegisterAMD64Rdi, hv.RegisterAMD64Rbp, hv.RegisterAMD64Rsp,
	hv.RegisterAMD64R8, hv.RegisterAMD64R9, hv.RegisterAMD64R10, hv.RegisterAMD64R11,
	hv.RegisterAMD64R12, hv.RegisterAMD64R13, hv.RegisterAMD64R14, hv.RegisterAMD64R15,
	hv.RegisterAMD64Rip,
}

var segRegOrder = []hv.Register{
	hv.RegisterAMD64Rflags,
	hv.RegisterAMD64Cs, hv.RegisterAMD64Ss, hv.RegisterAMD64Ds,
	hv.RegisterAMD64Es, hv.RegisterAMD64Fs, hv.RegisterAMD64Gs,
}

// numRegisters is the total register count in the X86_64 SSE target
// description: 17 GPRs (incl. rip) + 7 32-bit regs + 8 x87 st regs + 8
// 32-bit FPU control fields + 16 xmm regs + mxcsr.
const numRegisters = 17 + 7 + 8 + 8 + 16 + 1

// encodeAll serializes the full register file for a 'g' packet reply, in
// GDB's x86-64 SSE target order.
func (t *Target) encodeAll() (string, error) {
	var buf []byte

	for _, reg := range gprOrder {
		v, err := t.getGPR(reg)
		if err != nil {
			return "", err
		}
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}

	for _, reg := range segRegOrder {
		v, err := t.getGPR(reg)
		if err != nil {
			return "", err
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	}

	fpu, err := t.VCPU.GetFPUState()
	if err != nil {
		return "", err
	}

	for _, st := range fpu.ST {
		buf = append(buf, st[:10]...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(fpu.FCW))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(fpu.FSW))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(fpu.FTW))
	buf = binary.LittleEndian.AppendUint32(buf, 0) // fiseg: not tracked separately from FIP
	buf = binary.LittleEndian.AppendUint32(buf, uint32(fpu.FIP))
	buf = binary.LittleEndian.AppendUint32(buf, 0) // foseg: not tracked separately from FDP
	buf = binary.LittleEndian.AppendUint32(buf, uint32(fpu.FDP))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(fpu.FOP))

	for _, xmm := range fpu.XMM {
		buf = append(buf, xmm[:]...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, fpu.MXCSR)

	return hexEncode(buf), nil
}

// decodeAll applies a 'G' packet's hex payload back onto the vCPU in the
// same order encodeAll produced it.
func (t *Target) decodeAll(hexPayload string) error {
	buf, err := hexDecode(hexPayload)
	if err != nil {
		return err
	}

	off := 0
	for _, reg := range gprOrder {
		if off+8 > len(buf) {
			return errShortRegisterPacket
		}
		if err := t.setGPR(reg, binary.LittleEndian.Uint64(buf[off:])); err != nil {
			return err
		}
		off += 8
	}

	for _, reg := range segRegOrder {
		if off+4 > len(buf) {
			return errShortRegisterPacket
		}
		if err := t.setGPR(reg, uint64(binary.LittleEndian.Uint32(buf[off:]))); err != nil {
			return err
		}
		off += 4
	}

	if off+10*8 > len(buf) {
		return errShortRegisterPacket
	}
	var fpu hv.FPUState
	for i := range fpu.ST {
		copy(fpu.ST[i][:10], buf[off:off+10])
		off += 10
	}

	if off+8*4 > len(buf) {
		return errShortRegisterPacket
	}
	fpu.FCW = uint16(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	fpu.FSW = uint16(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	fpu.FTW = uint8(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	off += 4 // fiseg, discarded
	fpu.FIP = uint64(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	off += 4 // foseg, discarded
	fpu.FDP = uint64(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	fpu.FOP = uint16(binary.LittleEndian.Uint32(buf[off:]))
	off += 4

	if off+16*16 > len(buf) {
		return errShortRegisterPacket
	}
	for i := range fpu.XMM {
		copy(fpu.XMM[i][:], buf[off:off+16])
		off += 16
	}

	if off+4 > len(buf) {
		return errShortRegisterPacket
	}
	fpu.MXCSR = binary.LittleEndian.Uint32(buf[off:])

	return t.VCPU.SetFPUState(fpu)
}

// encodeOne and decodeOne implement the single-register 'p'/'P' packets.
// Only the GPR/flags/segment subset is addressable this way; FPU/XMM
// registers are only exposed via the 'g'/'G' bulk packets, matching what a
// minimal stub needs for source-level stepping.
func (t *Target) encodeOne(regnum int) (string, error) {
	if regnum < len(gprOrder) {
		v, err := t.getGPR(gprOrder[regnum])
		if err != nil {
			return "", err
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return hexEncode(b[:]), nil
	}
	if i := regnum - len(gprOrder); i < len(segRegOrder) {
		v, err := t.getGPR(segRegOrder[i])
		if err != nil {
			return "", err
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		return hexEncode(b[:]), nil
	}
	return "", errUnknownRegister
}

func (t *Target) decodeOne(regnum int, hexPayload string) error {
	buf, err := hexDecode(hexPayload)
	if err != nil {
		return err
	}
	if regnum < len(gprOrder) {
		if len(buf) < 8 {
			return errShortRegisterPacket
		}
		return t.setGPR(gprOrder[regnum], binary.LittleEndian.Uint64(buf))
	}
	if i := regnum - len(gprOrder); i < len(segRegOrder) {
		if len(buf) < 4 {
			return errShortRegisterPacket
		}
		return t.setGPR(segRegOrder[i], uint64(binary.LittleEndian.Uint32(buf)))
	}
	return errUnknownRegister
}
