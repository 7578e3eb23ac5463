package dwarfctx

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Arch selects the instruction decoder used to double-check a heuristic
// prologue-end address against a real instruction boundary.
type Arch int

const (
	ArchX86_64 Arch = iota
	ArchARM64
)

// PrologueEnd locates the address at which a function's prologue has
// completed — the point function-entry probes actually want to land on, so
// that formal parameters are already spilled to their home locations. H0
// runs first; H1 then always runs afterward and overrides H0's result
// whenever the two disagree, logging the disagreement when verbose — H1
// exists specifically to correct H0 when an inlined call at entry confuses
// it, so it must never be skipped just because H0 succeeded (matching
// resolve_prologue_endings/resolve_prologue_endings2's relationship in the
// original implementation). spec.md §9 Open Question (a) is resolved by
// seeding H0's sentinel with an address that can never equal a real
// line-table entry, so the first row is never silently skipped.
func (c *Cursor) PrologueEnd(cu CU, fn Function, arch Arch, verbose bool) (uint64, error) {
	h0Addr, h0Ok, err := c.prologueEndH0(cu, fn)
	if err != nil {
		return 0, err
	}
	h1Addr, h1Ok, err := c.prologueEndH1(cu, fn)
	if err != nil {
		return 0, err
	}

	h0Effective := fn.LowPC
	if h0Ok {
		h0Effective = h0Addr
	}
	resolved, disagreed := mergePrologueHeuristics(h0Effective, h1Addr, h1Ok)
	if disagreed && verbose {
		c.logVerbose("prologue disagreement",
			"function", fn.Name, "heur0", fmt.Sprintf("%#x", h0Effective), "heur1", fmt.Sprintf("%#x", h1Addr))
	}

	if verified, vok := verifyInstructionBoundary(c.module, resolved, fn, arch); vok {
		return verified, nil
	}
	return resolved, nil
}

// mergePrologueHeuristics applies H1's override rule: whenever H1 finds an
// address, it wins if it differs from H0's effective result (H0's address
// when found, fn.LowPC otherwise) — resolve_prologue_endings2 always
// overrides resolve_prologue_endings on disagreement in the original
// implementation, so H1 is never skipped just because H0 already succeeded.
func mergePrologueHeuristics(h0Effective, h1Addr uint64, h1Ok bool) (resolved uint64, disagreed bool) {
	if h1Ok && h1Addr != h0Effective {
		return h1Addr, true
	}
	return h0Effective, false
}

// prologueEndH0 implements the primary heuristic: scan the line table for
// the first row whose address is strictly greater than the function's
// entry address, is marked IsStmt, and belongs to the same source line
// group transition — i.e. the first statement boundary after entry.
//
// previousAddr starts at ^uint64(0) rather than 0, so that a function
// entered at address 0 (never happens in practice, but the original
// sentinel bug conflated "no previous row yet" with "previous row was at
// address 0") cannot be mistaken for "already seen this address".
func (c *Cursor) prologueEndH0(cu CU, fn Function) (uint64, bool, error) {
	var rows []SrcLine
	err := c.IterateSrcfileLines(cu, func(row SrcLine) IterResult {
		rows = append(rows, row)
		return Continue
	})
	if err != nil {
		return 0, false, err
	}
	addr, ok := prologueEndH0Rows(rows, fn)
	return addr, ok, nil
}

// prologueEndH0Rows is the pure scan that prologueEndH0 drives from the
// line table: the first in-range, is_stmt row whose address differs from
// the previous one seen.
func prologueEndH0Rows(rows []SrcLine, fn Function) (uint64, bool) {
	previousAddr := ^uint64(0)
	for _, row := range rows {
		if row.Address < fn.LowPC || row.Address >= fn.HighPC {
			continue
		}
		if row.Address == fn.LowPC {
			previousAddr = row.Address
			continue
		}
		if !row.IsStmt {
			continue
		}
		if row.Address == previousAddr {
			continue
		}
		return row.Address, true
	}
	return 0, false
}

// prologueEndH1 is the second heuristic, run by PrologueEnd on every call
// alongside H0 (mergePrologueHeuristics lets it override H0 when the two
// disagree): take the second distinct line number encountered, regardless
// of its is_stmt flag.
func (c *Cursor) prologueEndH1(cu CU, fn Function) (uint64, bool, error) {
	var rows []SrcLine
	err := c.IterateSrcfileLines(cu, func(row SrcLine) IterResult {
		rows = append(rows, row)
		return Continue
	})
	if err != nil {
		return 0, false, err
	}
	addr, ok := prologueEndH1Rows(rows, fn)
	return addr, ok, nil
}

// prologueEndH1Rows is H1's pure row scan: the address of the second
// distinct source line encountered within fn's range, is_stmt or not.
func prologueEndH1Rows(rows []SrcLine, fn Function) (uint64, bool) {
	firstLine := -1
	firstLineSet := false
	for _, row := range rows {
		if row.Address < fn.LowPC || row.Address >= fn.HighPC {
			continue
		}
		if !firstLineSet {
			firstLine = row.Line
			firstLineSet = true
			continue
		}
		if row.Line != firstLine {
			return row.Address, true
		}
	}
	return 0, false
}

// verifyInstructionBoundary re-disassembles from fn.LowPC up to fn.HighPC
// and returns addr if it lands exactly on a decoded instruction's start,
// otherwise the nearest preceding instruction boundary found during the
// scan. The bool is false when fn's bytes cannot be located or an
// instruction fails to decode, and true otherwise. This guards against a line-table row whose address was
// miscomputed (e.g. by a broken compiler's inliner) and would otherwise
// split an instruction in half.
func verifyInstructionBoundary(m *Module, addr uint64, fn Function, arch Arch) (uint64, bool) {
	sec := textSectionContaining(m, fn.LowPC)
	if sec == nil {
		return addr, false
	}
	data, err := sec.Data()
	if err != nil {
		return addr, false
	}
	base := sec.Addr
	if fn.LowPC < base || fn.HighPC > base+uint64(len(data)) {
		return addr, false
	}

	pc := fn.LowPC
	lastBoundary := fn.LowPC
	for pc < fn.HighPC {
		off := pc - base
		var n int
		switch arch {
		case ArchARM64:
			if _, derr := arm64asm.Decode(data[off:]); derr != nil {
				return lastBoundary, false
			}
			n = 4
		default:
			inst, derr := x86asm.Decode(data[off:], 64)
			if derr != nil {
				return lastBoundary, false
			}
			n = inst.Len
		}
		if pc == addr {
			return addr, true
		}
		if pc > addr {
			return lastBoundary, true
		}
		lastBoundary = pc
		pc += uint64(n)
	}
	return lastBoundary, true
}

func textSectionContaining(m *Module, pc uint64) *sectionRef {
	if m.elf == nil {
		return nil
	}
	for _, sec := range m.elf.Sections {
		if sec.Addr == 0 || sec.Size == 0 {
			continue
		}
		if pc >= sec.Addr && pc < sec.Addr+sec.Size {
			return &sectionRef{sec, sec.Addr}
		}
	}
	return nil
}

// sectionRef narrows *elf.Section to the Data() accessor this file needs,
// keeping the elf import confined to dwarfctx.go's Module definition.
type sectionRef struct {
	s    interface{ Data() ([]byte, error) }
	Addr uint64
}

func (r *sectionRef) Data() ([]byte, error) { return r.s.Data() }
