// Package debugcore implements the hypervisor-independent half of the
// guest-debug control engine: the DR0-DR7 encoder, the four-slot hardware
// breakpoint table, guest-memory translation, and the resume/stop state
// machine that drives them. It depends only on the hv abstraction, never on
// a specific hypervisor backend.
package debugcore

// HwBreakpointLevel selects whether a breakpoint's enable bit in DR7 is
// cleared on task switch (Local) or persists across tasks (Global).
type HwBreakpointLevel int

const (
	Local HwBreakpointLevel = iota
	Global
)

// HwBreakpointCondition is the architectural DR7 RW field for a breakpoint
// slot.
type HwBreakpointCondition uint8

const (
	InstructionExecution HwBreakpointCondition = 0b00
	DataWrites           HwBreakpointCondition = 0b01
	IoReadsWrites        HwBreakpointCondition = 0b10
	DataReadsWrites      HwBreakpointCondition = 0b11
)

// HwBreakpoint is a single hardware breakpoint descriptor occupying one of
// the four DR0-DR3 slots.
type HwBreakpoint struct {
	Addr      uint64
	Level     HwBreakpointLevel
	Condition HwBreakpointCondition
}

// DebugRegisters holds the eight 64-bit values written to a vCPU's debug
// registers: DR0-DR3 addresses, DR4-DR5 reserved zero, DR6 left untouched
// (the CPU writes it on trap), DR7 control.
type DebugRegisters [8]uint64

const (
	drLocalExactEnable  = 1 << 8
	drGlobalExactEnable = 1 << 9
	drGeneralDetectFlag = 1 << 13
)

// encode produces the DR7 control value for a slot table. It is pure and
// total: it cannot fail, and an all-empty table still yields a valid
// "enabled but no matches" configuration.
func encode(slots [4]*HwBreakpoint, generalDetect bool) uint64 {
	control := uint64(drLocalExactEnable | drGlobalExactEnable)
	if generalDetect {
		control |= drGeneralDetectFlag
	}

	for i, bp := range slots {
		if bp == nil {
			continue
		}

		if bp.Level == Local {
			control |= 1 << (2 * i)
		} else {
			control |= 1 << (2*i + 1)
		}

		control |= uint64(bp.Condition) << (16 + 4*i)
	}

	return control
}

// Encode maps a four-slot breakpoint table into the DebugRegisters KVM_SET_GUEST_DEBUG
// expects, per the x86-64 debug-register layout.
func Encode(slots [4]*HwBreakpoint, generalDetect bool) DebugRegisters {
	var regs DebugRegisters
	for i, bp := range slots {
		if bp != nil {
			regs[i] = bp.Addr
		}
	}
	regs[7] = encode(slots, generalDetect)
	return regs
}

// Table is the per-vCPU breakpoint slot manager: a fixed-capacity array of
// four optional breakpoint descriptors, indexed by architectural register
// (slot i corresponds to DRi). Slot identity is stable across Add/Remove.
type Table struct {
	slots [4]*HwBreakpoint
}

// Add occupies the first empty slot with a global instruction-execution
// breakpoint at addr. kind is the architectural breakpoint-length hint GDB
// sends; it is accepted but ignored, since instruction breakpoints always
// use length 1. Returns false if all four slots are occupied.
func (t *Table) Add(addr uint64, kind uint) bool {
	for i := range t.slots {
		if t.slots[i] == nil {
			t.slots[i] = &HwBreakpoint{
				Addr:      addr,
				Level:     Global,
				Condition: InstructionExecution,
			}
			return true
		}
	}
	return false
}

// Remove empties the first slot whose address matches addr. Per spec, a
// remove for an address with no matching slot still reports success: GDB
// may issue redundant removals and this core tolerates them rather than
// surfacing a client-side bug.
func (t *Table) Remove(addr uint64, kind uint) bool {
	for i := range t.slots {
		if t.slots[i] != nil && t.slots[i].Addr == addr {
			t.slots[i] = nil
			break
		}
	}
	return true
}

// Snapshot encodes the current table with general-detect enabled, ready to
// submit via hv.VirtualCPUDebug.SetGuestDebug.
func (t *Table) Snapshot() DebugRegisters {
	return Encode(t.slots, true)
}
