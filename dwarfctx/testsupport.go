package dwarfctx

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"log/slog"
)

// NewTestSession builds a Session directly from an already-parsed
// *dwarf.Data, bypassing Open/LoadModule's disk and ELF requirements. It
// exists so other packages (probequery's tests, in particular) can exercise
// real DWARF-walking code against a hand-built fixture without a vmlinux or
// target binary on the test machine; it is not used by any production code
// path.
func NewTestSession(name string, dw *dwarf.Data) *Session {
	return &Session{
		kind:    KindKernel,
		logger:  slog.Default(),
		modules: map[string]*Module{name: {Name: name, dw: dw}},
		order:   []string{name},
	}
}

// Fixture addresses produced by BuildFixtureDWARF, exported so callers don't
// have to re-derive them from the encoding.
const (
	FixtureRealFnLow   = 0x2000
	FixtureRealFnHigh  = 0x2100
	FixtureInlineLow   = 0x2010
	FixtureInlineHigh  = 0x2020
	FixtureOtherFnLow  = 0x3000
	FixtureOtherFnHigh = 0x3050

	FixtureCUName       = "fixture.c"
	FixtureRealFnName   = "real_fn"
	FixtureOtherFnName  = "other_fn"
	FixtureInlineOrigin = "do_fork"
)

const (
	fxTagCompileUnit       = 0x11
	fxTagSubprogram        = 0x2e
	fxTagInlinedSubroutine = 0x1d

	fxAttrName           = 0x03
	fxAttrLowpc          = 0x11
	fxAttrHighpc         = 0x12
	fxAttrAbstractOrigin = 0x31

	fxFormAddr   = 0x01
	fxFormData8  = 0x07
	fxFormString = 0x08
	fxFormRef4   = 0x13
)

// BuildFixtureDWARF hand-encodes one minimal DWARF4 compile unit covering
// every DIE shape Cursor's iterators need to distinguish:
//
//   - a declaration-only subprogram (no low_pc: the abstract origin of the
//     inlined call below; skipped by IterateFunctions, resolved by name
//     through IterateInlineInstances)
//   - a concrete subprogram (FixtureRealFnName) containing one
//     inlined_subroutine whose abstract_origin (DW_FORM_ref4) points back
//     at the declaration
//   - a second, separate concrete subprogram (FixtureOtherFnName) at a
//     non-overlapping address range, so address-to-function lookups have
//     more than one candidate to disambiguate between
//
// No .debug_line or ELF section is included: code that depends on a line
// table or section data (PrologueEnd, verifyInstructionBoundary) degrades
// to its documented no-data fallback rather than panicking.
func BuildFixtureDWARF() (*dwarf.Data, error) {
	abbrev := []byte{
		1, fxTagCompileUnit, 1, fxAttrName, fxFormString, 0, 0,
		2, fxTagSubprogram, 1, fxAttrName, fxFormString, fxAttrLowpc, fxFormAddr, fxAttrHighpc, fxFormData8, 0, 0,
		3, fxTagSubprogram, 0, fxAttrName, fxFormString, 0, 0,
		4, fxTagInlinedSubroutine, 0, fxAttrAbstractOrigin, fxFormRef4, fxAttrLowpc, fxFormAddr, fxAttrHighpc, fxFormData8, 0, 0,
		0,
	}

	var info bytes.Buffer
	putStr := func(s string) {
		info.WriteString(s)
		info.WriteByte(0)
	}
	putU64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		info.Write(b[:])
	}

	info.Write([]byte{0, 0, 0, 0}) // unit_length placeholder
	info.WriteByte(4)              // version low byte
	info.WriteByte(0)              // version high byte
	info.Write([]byte{0, 0, 0, 0}) // debug_abbrev_offset
	info.WriteByte(8)              // address_size

	info.WriteByte(1) // CU DIE
	putStr(FixtureCUName)

	originOffset := info.Len()
	info.WriteByte(3) // declaration-only abstract origin
	putStr(FixtureInlineOrigin)

	info.WriteByte(2) // real_fn
	putStr(FixtureRealFnName)
	putU64(FixtureRealFnLow)
	putU64(FixtureRealFnHigh - FixtureRealFnLow) // high_pc as offset from low_pc

	info.WriteByte(4) // inlined_subroutine, child of real_fn
	var ref [4]byte
	binary.LittleEndian.PutUint32(ref[:], uint32(originOffset))
	info.Write(ref[:])
	putU64(FixtureInlineLow)
	putU64(FixtureInlineHigh - FixtureInlineLow)

	info.WriteByte(0) // end real_fn's children

	info.WriteByte(2) // other_fn
	putStr(FixtureOtherFnName)
	putU64(FixtureOtherFnLow)
	putU64(FixtureOtherFnHigh - FixtureOtherFnLow)
	info.WriteByte(0) // end other_fn's (empty) children

	info.WriteByte(0) // end CU's children

	raw := info.Bytes()
	binary.LittleEndian.PutUint32(raw[0:4], uint32(len(raw)-4))

	return dwarf.New(abbrev, nil, nil, raw, nil, nil, nil, nil)
}
