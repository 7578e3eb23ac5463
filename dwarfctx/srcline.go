package dwarfctx

import (
	"fmt"
	"sort"
)

// nearbySearchRadius bounds the ±N line search AmbiguousLine's Suggestion
// performs when the requested line itself resolves to more than one
// address.
const nearbySearchRadius = 5

// ResolveSrcLine finds every statement-boundary address in cu whose source
// file matches pattern and whose line equals line. When more than one
// address matches, it returns AmbiguousLine carrying a Suggestion naming
// the closest line (by absolute distance, ties broken toward the lower
// line number) within nearbySearchRadius that resolves to exactly one
// address — the "closest wins" rule the distillation otherwise left
// unspecified.
func (c *Cursor) ResolveSrcLine(cu CU, file string, line int) ([]uint64, error) {
	byLine := make(map[int][]uint64)
	err := c.IterateSrcfileLines(cu, func(row SrcLine) IterResult {
		if !row.IsStmt {
			return Continue
		}
		if !MatchSrcfile(file, row.File) {
			return Continue
		}
		byLine[row.Line] = appendUnique(byLine[row.Line], row.Address)
		return Continue
	})
	if err != nil {
		return nil, err
	}

	addrs := byLine[line]
	if len(addrs) <= 1 {
		return addrs, nil
	}

	suggestion := nearestUniqueLine(byLine, line)
	return nil, &AmbiguousLine{
		File:       file,
		Line:       line,
		Addresses:  addrs,
		Suggestion: suggestion,
	}
}

func nearestUniqueLine(byLine map[int][]uint64, around int) string {
	type candidate struct {
		line     int
		distance int
	}
	var candidates []candidate
	for ln, addrs := range byLine {
		if len(addrs) != 1 || ln == around {
			continue
		}
		d := ln - around
		if d < 0 {
			d = -d
		}
		if d > nearbySearchRadius {
			continue
		}
		candidates = append(candidates, candidate{line: ln, distance: d})
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].line < candidates[j].line
	})
	return fmt.Sprintf("try line %d", candidates[0].line)
}

func appendUnique(addrs []uint64, addr uint64) []uint64 {
	for _, a := range addrs {
		if a == addr {
			return addrs
		}
	}
	return append(addrs, addr)
}
