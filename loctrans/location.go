package loctrans

import (
	"debug/dwarf"
	"fmt"
)

// findLocalDIE searches scope and its lexical-block descendants for a
// formal parameter or local variable whose own DW_AT_name is name. A DIE
// that carries its name only through DW_AT_abstract_origin (a parameter of
// a concrete inline instance, typically) is not matched.
// Returns nil, nil when no such DIE exists — resolveLocal turns that into
// LocalNotFound.
func findLocalDIE(d *dwarf.Data, scope *dwarf.Entry, name string) (*dwarf.Entry, error) {
	r := d.Reader()
	r.Seek(scope.Offset)
	root, err := r.Next()
	if err != nil {
		return nil, err
	}
	if root == nil || !root.Children {
		return nil, nil
	}

	depth := 0
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, nil
		}
		if entry.Tag == 0 {
			depth--
			if depth < 0 {
				return nil, nil
			}
			continue
		}
		if entry.Children {
			depth++
		}
		switch entry.Tag {
		case dwarf.TagFormalParameter, dwarf.TagVariable:
			if n, _ := entry.Val(dwarf.AttrName).(string); n == name {
				return entry, nil
			}
		case dwarf.TagLexDwarfBlock:
			// descend; handled by the depth counter above
		}
	}
}

// compileLocation evaluates entry's DW_AT_location expression and returns
// the C expression that reads the described value. Only the two forms this
// codebase's targets actually emit are supported: DW_OP_fbreg (frame-
// relative locals, resolved against a `__frame_base` C variable, which no
// code in this module defines or derives from the scope's
// DW_AT_frame_base) and DW_OP_addr
// (file-scope statics) — both decoded by a small local LEB128/address
// reader rather than depending on an external expression evaluator whose
// exact surface could not be checked against a live compiler.
func compileLocation(d *dwarf.Data, entry *dwarf.Entry, pc uint64) (string, error) {
	loc, ok := entry.Val(dwarf.AttrLocation).([]byte)
	if !ok || len(loc) == 0 {
		return "", fmt.Errorf("no DW_AT_location on %q", nameOf(entry))
	}

	switch op := loc[0]; op {
	case dwOpAddr:
		addr, _, err := readAddr(loc[1:])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(*(long*)%#x)", addr), nil
	case dwOpFbreg:
		off, _, err := readSLEB128(loc[1:])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(*(long*)(__frame_base + (%d)))", off), nil
	default:
		return "", fmt.Errorf("unsupported location expression opcode %#x on %q", op, nameOf(entry))
	}
}

func nameOf(entry *dwarf.Entry) string {
	n, _ := entry.Val(dwarf.AttrName).(string)
	if n == "" {
		return "<anonymous>"
	}
	return n
}

const (
	dwOpAddr  = 0x03
	dwOpFbreg = 0x91
)

func readAddr(b []byte) (uint64, int, error) {
	if len(b) < 8 {
		return 0, 0, fmt.Errorf("truncated DW_OP_addr operand")
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, 8, nil
}

// readSLEB128 decodes a DWARF signed LEB128 value, per the DWARF standard's
// variable-length integer encoding (7 bits per byte, high bit continues).
func readSLEB128(b []byte) (int64, int, error) {
	var (
		result int64
		shift  uint
		i      int
	)
	for {
		if i >= len(b) {
			return 0, 0, fmt.Errorf("truncated SLEB128 operand")
		}
		by := b[i]
		i++
		result |= int64(by&0x7f) << shift
		shift += 7
		if by&0x80 == 0 {
			if shift < 64 && by&0x40 != 0 {
				result |= -1 << shift
			}
			break
		}
	}
	return result, i, nil
}
