package dwarfctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixtureCursor(t *testing.T) *Cursor {
	t.Helper()
	dw, err := BuildFixtureDWARF()
	require.NoError(t, err)
	return &Cursor{module: &Module{Name: "fixture", dw: dw}}
}

func TestIterateCUs(t *testing.T) {
	c := newFixtureCursor(t)
	var names []string
	err := c.IterateCUs(func(cu CU) IterResult {
		names = append(names, cu.Name)
		return Continue
	})
	require.NoError(t, err)
	assert.Equal(t, []string{FixtureCUName}, names)
}

func TestIterateFunctions(t *testing.T) {
	c := newFixtureCursor(t)
	var cu CU
	require.NoError(t, c.IterateCUs(func(got CU) IterResult {
		cu = got
		return Abort
	}))

	var fns []Function
	err := c.IterateFunctions(cu, func(fn Function) IterResult {
		fns = append(fns, fn)
		return Continue
	})
	require.NoError(t, err)

	// The declaration-only DIE (do_fork) must never surface here: it has
	// no low_pc and carries no callable instance of its own.
	require.Len(t, fns, 2)
	assert.Equal(t, FixtureRealFnName, fns[0].Name)
	assert.Equal(t, uint64(FixtureRealFnLow), fns[0].LowPC)
	assert.Equal(t, uint64(FixtureRealFnHigh), fns[0].HighPC)
	assert.Equal(t, FixtureOtherFnName, fns[1].Name)
	assert.Equal(t, uint64(FixtureOtherFnLow), fns[1].LowPC)
	assert.Equal(t, uint64(FixtureOtherFnHigh), fns[1].HighPC)
}

func TestIterateInlineInstances(t *testing.T) {
	c := newFixtureCursor(t)
	var cu CU
	require.NoError(t, c.IterateCUs(func(got CU) IterResult {
		cu = got
		return Abort
	}))

	var realFn Function
	require.NoError(t, c.IterateFunctions(cu, func(fn Function) IterResult {
		if fn.Name == FixtureRealFnName {
			realFn = fn
			return Abort
		}
		return Continue
	}))
	require.NotEmpty(t, realFn.Name)

	var insts []Function
	err := c.IterateInlineInstances(realFn, func(inst Function) IterResult {
		insts = append(insts, inst)
		return Continue
	})
	require.NoError(t, err)
	require.Len(t, insts, 1)
	// Name is resolved through DW_AT_abstract_origin back to the
	// declaration-only DIE, not left blank.
	assert.Equal(t, FixtureInlineOrigin, insts[0].Name)
	assert.Equal(t, uint64(FixtureInlineLow), insts[0].LowPC)
	assert.Equal(t, uint64(FixtureInlineHigh), insts[0].HighPC)
	assert.True(t, insts[0].Inlined)
}

func TestDieHasPC(t *testing.T) {
	c := newFixtureCursor(t)
	var cu CU
	require.NoError(t, c.IterateCUs(func(got CU) IterResult {
		cu = got
		return Abort
	}))

	var realFn, otherFn Function
	require.NoError(t, c.IterateFunctions(cu, func(fn Function) IterResult {
		switch fn.Name {
		case FixtureRealFnName:
			realFn = fn
		case FixtureOtherFnName:
			otherFn = fn
		}
		return Continue
	}))

	inRange, err := c.DieHasPC(realFn.Entry, 0x2050)
	require.NoError(t, err)
	assert.True(t, inRange)

	// An address that falls within other_fn's range must not be reported
	// as covered by real_fn: this is the exact mismatch functionCovering
	// in probequery guards against with its HighPC bound.
	inRange, err = c.DieHasPC(realFn.Entry, 0x3010)
	require.NoError(t, err)
	assert.False(t, inRange)

	inRange, err = c.DieHasPC(otherFn.Entry, 0x3010)
	require.NoError(t, err)
	assert.True(t, inRange)
}

func TestPrologueEnd_NoLineTableFallsBackToLowPC(t *testing.T) {
	// A module with no .debug_line data (this fixture) must resolve to
	// fn.LowPC rather than erroring or panicking — textSectionContaining
	// also sees a nil *elf.File and must not dereference it.
	c := newFixtureCursor(t)
	fn := Function{Name: FixtureRealFnName, LowPC: FixtureRealFnLow, HighPC: FixtureRealFnHigh}
	addr, err := c.PrologueEnd(CU{}, fn, ArchX86_64, false)
	require.NoError(t, err)
	assert.Equal(t, fn.LowPC, addr)
}
