package dwarfctx

import (
	"debug/dwarf"
	"io"
	"log/slog"
	"path/filepath"
)

// Cursor borrows a Module's debug info for the duration of one resolution
// pass. It never outlives the Session/Module it was focused on; callers
// obtain a fresh Cursor per module rather than holding one across a
// FocusOn switch, per spec.md §9's design note on dropping mutable
// globals.
type Cursor struct {
	module *Module
	logger *slog.Logger
}

// FocusOn returns a Cursor scoped to the named module ("kernel", or a
// loaded module name), or nil with MissingDebuginfo if it is unknown.
func (s *Session) FocusOn(name string) (*Cursor, error) {
	m, ok := s.modules[name]
	if !ok {
		return nil, &MissingDebuginfo{Module: name, Err: io.EOF}
	}
	return &Cursor{module: m, logger: s.logger}, nil
}

// Module returns the module this cursor is focused on.
func (c *Cursor) Module() *Module { return c.module }

// logVerbose logs through the cursor's logger, falling back to
// slog.Default for Cursor values built without FocusOn (e.g. test
// fixtures).
func (c *Cursor) logVerbose(msg string, args ...any) {
	logger := c.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug(msg, args...)
}

// Data returns the module's raw *dwarf.Data handle, for callers (loctrans)
// that need to walk DIEs this package's iterators don't expose directly.
func (c *Cursor) Data() *dwarf.Data { return c.module.dw }

// CU wraps one compile unit's root DIE and its name; IterateFunctions
// seeks a fresh reader to Entry to walk its children.
type CU struct {
	Entry *dwarf.Entry
	Name  string
}

// IterateCUs visits every compile unit in the cursor's module.
func (c *Cursor) IterateCUs(cb func(cu CU) IterResult) error {
	r := c.module.dw.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if entry.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		name, _ := entry.Val(dwarf.AttrName).(string)
		if cb(CU{Entry: entry, Name: name}) == Abort {
			return nil
		}
		r.SkipChildren()
	}
}

// Function describes one subprogram DIE: a real function definition, not a
// declaration-only DIE (those lack low_pc/entry_pc and are skipped).
type Function struct {
	Entry   *dwarf.Entry
	Name    string
	LowPC   uint64
	HighPC  uint64
	IsStub  bool // declaration without a body
	Inlined bool // DW_TAG_inlined_subroutine occurrence, not abstract origin
}

// IterateFunctions visits every DW_TAG_subprogram DIE in cu whose
// entry_pc (or, failing that, low_pc) could be determined. Declaration-
// only DIEs (no PC range) are skipped entirely: they carry no callable
// instance.
func (c *Cursor) IterateFunctions(cu CU, cb func(fn Function) IterResult) error {
	r := c.module.dw.Reader()
	r.Seek(cu.Entry.Offset)
	// Re-read the CU entry itself to reposition correctly, then walk children.
	if _, err := r.Next(); err != nil {
		return err
	}
	depth := 0
	for {
		entry, err := r.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if entry.Tag == 0 {
			// end of children marker
			depth--
			if depth < 0 {
				return nil
			}
			continue
		}
		if entry.Children {
			depth++
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		lo, hasLo := entryLowpc(entry)
		if !hasLo {
			continue // declaration only
		}
		hi := entryHighpc(entry, lo)
		name, _ := entry.Val(dwarf.AttrName).(string)
		fn := Function{Entry: entry, Name: name, LowPC: lo, HighPC: hi}
		if cb(fn) == Abort {
			return nil
		}
	}
}

// IterateInlineInstances visits every DW_TAG_inlined_subroutine occurrence
// within fn's DIE subtree, resolving each back to its abstract origin's
// name via DW_AT_abstract_origin.
func (c *Cursor) IterateInlineInstances(fn Function, cb func(inst Function) IterResult) error {
	r := c.module.dw.Reader()
	r.Seek(fn.Entry.Offset)
	if _, err := r.Next(); err != nil {
		return err
	}
	if !fn.Entry.Children {
		return nil
	}
	depth := 0
	for {
		entry, err := r.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if entry.Tag == 0 {
			depth--
			if depth < 0 {
				return nil
			}
			continue
		}
		if entry.Children {
			depth++
		}
		if entry.Tag == dwarf.TagInlinedSubroutine {
			lo, hasLo := entryLowpc(entry)
			if hasLo {
				hi := entryHighpc(entry, lo)
				name := c.abstractOriginName(entry)
				inst := Function{Entry: entry, Name: name, LowPC: lo, HighPC: hi, Inlined: true}
				if cb(inst) == Abort {
					return nil
				}
			}
		}
	}
}

func (c *Cursor) abstractOriginName(entry *dwarf.Entry) string {
	off, ok := entry.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
	if !ok {
		return ""
	}
	r := c.module.dw.Reader()
	r.Seek(off)
	origin, err := r.Next()
	if err != nil || origin == nil {
		return ""
	}
	name, _ := origin.Val(dwarf.AttrName).(string)
	return name
}

func entryLowpc(entry *dwarf.Entry) (uint64, bool) {
	if v, ok := entry.Val(dwarf.AttrEntrypc).(uint64); ok {
		return v, true
	}
	if v, ok := entry.Val(dwarf.AttrLowpc).(uint64); ok {
		return v, true
	}
	return 0, false
}

func entryHighpc(entry *dwarf.Entry, lo uint64) uint64 {
	switch v := entry.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		// DWARF4+ sometimes encodes high_pc as an offset from low_pc.
		if v < lo {
			return lo + v
		}
		return v
	case int64:
		return lo + uint64(v)
	}
	return lo
}

// DieEntrypc returns the preferred entry address for entry: DW_AT_entry_pc
// if present (the actual first post-prologue-ready instruction per DWARF5),
// otherwise DW_AT_low_pc.
func DieEntrypc(entry *dwarf.Entry) (uint64, bool) {
	return entryLowpc(entry)
}

// DieHasPC reports whether pc falls within any of entry's PC ranges,
// consulting DW_AT_ranges when present and the low_pc/high_pc pair
// otherwise.
func (c *Cursor) DieHasPC(entry *dwarf.Entry, pc uint64) (bool, error) {
	ranges, err := c.module.dw.Ranges(entry)
	if err != nil {
		return false, err
	}
	if len(ranges) == 0 {
		lo, ok := entryLowpc(entry)
		if !ok {
			return false, nil
		}
		hi := entryHighpc(entry, lo)
		return pc >= lo && pc < hi, nil
	}
	for _, rg := range ranges {
		if pc >= rg[0] && pc < rg[1] {
			return true, nil
		}
	}
	return false, nil
}

// SrcLine is one row of the line-number program; IsStmt records whether
// the row is a statement boundary.
type SrcLine struct {
	File    string
	Line    int
	Address uint64
	IsStmt  bool
}

// IterateSrcfileLines runs cu's line-number program end to end, invoking cb
// for every row (not just statement boundaries — callers filter as needed
// for prologue-end and srcline-to-address work).
func (c *Cursor) IterateSrcfileLines(cu CU, cb func(SrcLine) IterResult) error {
	lr, err := c.module.dw.LineReader(cu.Entry)
	if err != nil {
		return err
	}
	if lr == nil {
		return nil
	}
	var le dwarf.LineEntry
	for {
		if err := lr.Next(&le); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if le.EndSequence {
			continue
		}
		file := ""
		if le.File != nil {
			file = le.File.Name
		}
		if cb(SrcLine{File: file, Line: le.Line, Address: le.Address, IsStmt: le.IsStmt}) == Abort {
			return nil
		}
	}
}

// MatchSrcfile reports whether candidate matches pattern using glob
// semantics over the basename, falling back to a full-path glob for
// patterns containing a path separator — the three name-matcher contracts
// (exact, glob, basename-only) collapse to one filepath.Match call plus a
// basename retry.
func MatchSrcfile(pattern, candidate string) bool {
	if ok, err := filepath.Match(pattern, candidate); err == nil && ok {
		return true
	}
	if ok, err := filepath.Match(pattern, filepath.Base(candidate)); err == nil && ok {
		return true
	}
	return pattern == candidate
}

// MatchFunctionName reports whether candidate matches a glob function-name
// pattern (e.g. "sys_*", "do_*_fault").
func MatchFunctionName(pattern, candidate string) bool {
	ok, err := filepath.Match(pattern, candidate)
	return err == nil && ok
}

// MatchModuleName reports whether candidate matches a glob module-name
// pattern (e.g. "nf_conntrack*").
func MatchModuleName(pattern, candidate string) bool {
	ok, err := filepath.Match(pattern, candidate)
	return err == nil && ok
}
