package dwarfctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrologueEndH0Rows(t *testing.T) {
	fn := Function{LowPC: 0x1000, HighPC: 0x1100}
	rows := []SrcLine{
		{Line: 10, Address: 0x1000, IsStmt: true},
		{Line: 10, Address: 0x1004, IsStmt: false}, // same line, not a stmt boundary
		{Line: 11, Address: 0x1008, IsStmt: true},  // prologue end
		{Line: 12, Address: 0x1010, IsStmt: true},
	}
	addr, ok := prologueEndH0Rows(rows, fn)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x1008), addr)
}

func TestPrologueEndH0Rows_NoRowsBeyondEntry(t *testing.T) {
	fn := Function{LowPC: 0x1000, HighPC: 0x1100}
	rows := []SrcLine{
		{Line: 10, Address: 0x1000, IsStmt: true},
	}
	_, ok := prologueEndH0Rows(rows, fn)
	assert.False(t, ok)
}

func TestPrologueEndH0Rows_SentinelDoesNotMaskAddressZero(t *testing.T) {
	// A function entered at address 0 must still be able to report a
	// prologue end at address 0x4 rather than having its first row
	// mistaken for "no previous row seen yet".
	fn := Function{LowPC: 0, HighPC: 0x100}
	rows := []SrcLine{
		{Line: 1, Address: 0x0, IsStmt: true},
		{Line: 2, Address: 0x4, IsStmt: true},
	}
	addr, ok := prologueEndH0Rows(rows, fn)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x4), addr)
}

func TestPrologueEndH1Rows_Fallback(t *testing.T) {
	fn := Function{LowPC: 0x1000, HighPC: 0x1100}
	rows := []SrcLine{
		{Line: 10, Address: 0x1000, IsStmt: false},
		{Line: 10, Address: 0x1004, IsStmt: false},
		{Line: 11, Address: 0x1008, IsStmt: false}, // second distinct line, no is_stmt anywhere
	}
	addr, ok := prologueEndH1Rows(rows, fn)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x1008), addr)
}

func TestPrologueEndH1Rows_SingleLineFunction(t *testing.T) {
	fn := Function{LowPC: 0x1000, HighPC: 0x1100}
	rows := []SrcLine{
		{Line: 10, Address: 0x1000, IsStmt: true},
	}
	_, ok := prologueEndH1Rows(rows, fn)
	assert.False(t, ok)
}

func TestMergePrologueHeuristics_H1OverridesH0OnDisagreement(t *testing.T) {
	// H0 succeeded (0x1008) but H1 found a different address (0x100c) —
	// H1 must win even though H0 didn't fail, matching
	// resolve_prologue_endings2's override of resolve_prologue_endings.
	resolved, disagreed := mergePrologueHeuristics(0x1008, 0x100c, true)
	assert.True(t, disagreed)
	assert.Equal(t, uint64(0x100c), resolved)
}

func TestMergePrologueHeuristics_NoOverrideWhenHeuristicsAgree(t *testing.T) {
	resolved, disagreed := mergePrologueHeuristics(0x1008, 0x1008, true)
	assert.False(t, disagreed)
	assert.Equal(t, uint64(0x1008), resolved)
}

func TestMergePrologueHeuristics_H1MissingLeavesH0InPlace(t *testing.T) {
	resolved, disagreed := mergePrologueHeuristics(0x1008, 0, false)
	assert.False(t, disagreed)
	assert.Equal(t, uint64(0x1008), resolved)
}

func TestMergePrologueHeuristics_H1OverridesH0DefaultWhenH0Failed(t *testing.T) {
	// H0 found nothing, so its "effective" value is fn.LowPC; H1 still
	// overrides it when H1 found something different.
	fnLowPC := uint64(0x1000)
	resolved, disagreed := mergePrologueHeuristics(fnLowPC, 0x1008, true)
	assert.True(t, disagreed)
	assert.Equal(t, uint64(0x1008), resolved)
}
