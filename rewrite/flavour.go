// Package rewrite implements the two-phase BodyRewriter/ProbeVariants
// design: a read-only flavour pass that derives a canonical string from a
// probe body's target-variable bindings, and a rewrite pass that replaces
// every target-variable reference with a call to a synthesized accessor
// function.
package rewrite

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/kstapd/kstapd/loctrans"
	"github.com/kstapd/kstapd/probeast"
)

// typeCode is the single-letter type tag the flavour string embeds for
// each target-variable reference, per spec.md §4.4.
func typeCode(k loctrans.Kind) byte {
	switch k {
	case loctrans.KindInteger:
		return 'L'
	case loctrans.KindString:
		return 'S'
	case loctrans.KindStruct:
		return 'T'
	default:
		return 'U'
	}
}

// Resolver resolves one TargetSymbolRef occurrence to its emitted snippet.
// BodyRewriter calls it once per occurrence, in source order, for both the
// flavour pass and the rewrite pass — so Resolve must be deterministic and
// side-effect free across repeated calls with the same ref.
type Resolver interface {
	Resolve(ref *probeast.TargetSymbolRef, write bool, valueExpr string) (*loctrans.Snippet, error)
}

// Flavour computes the canonical flavour string for body: the
// concatenation, for each target-symbol reference encountered in source
// order, of `<r|w><type><len>{<snippet>}`.
//
// Assignment targets are visited as writes; every other occurrence
// (including an assignment's RHS, should it itself contain a
// TargetSymbolRef) is visited as a read.
func Flavour(body *probeast.ProbeBody, resolver Resolver) (string, error) {
	var b strings.Builder
	err := visitTargetRefs(body, func(ref *probeast.TargetSymbolRef, write bool) error {
		snip, rerr := resolver.Resolve(ref, write, "value")
		if rerr != nil {
			return rerr
		}
		writeFlavourChunk(&b, write, snip)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeFlavourChunk(b *strings.Builder, write bool, snip *loctrans.Snippet) {
	if write {
		b.WriteByte('w')
	} else {
		b.WriteByte('r')
	}
	b.WriteByte(typeCode(snip.Kind))
	fmt.Fprintf(b, "%d{%s}", len(snip.Code), snip.Code)
}

// FlavourKey reduces a flavour string to a fixed-size cache key via
// xxhash: flavour strings embed full emitted C fragments and can be large,
// so the dedup map keys on the hash rather than the string itself.
func FlavourKey(flavour string) uint64 {
	return xxhash.Sum64String(flavour)
}

// visitTargetRefs walks body in source order, invoking visit(ref, write)
// for every TargetSymbolRef: write is true exactly when ref is the LHS of
// an AssignStmt.
func visitTargetRefs(body *probeast.ProbeBody, visit func(ref *probeast.TargetSymbolRef, write bool) error) error {
	var walkErr error
	probeast.Inspect(body, func(n probeast.Node) bool {
		if walkErr != nil {
			return false
		}
		assign, ok := n.(*probeast.AssignStmt)
		if !ok {
			if ref, ok := n.(*probeast.TargetSymbolRef); ok {
				if err := visit(ref, false); err != nil {
					walkErr = err
					return false
				}
			}
			return true
		}

		if lhsRef, ok := assign.LHS.(*probeast.TargetSymbolRef); ok {
			if err := visit(lhsRef, true); err != nil {
				walkErr = err
				return false
			}
		} else {
			probeast.Inspect(assign.LHS, func(inner probeast.Node) bool {
				if ref, ok := inner.(*probeast.TargetSymbolRef); ok {
					if err := visit(ref, false); err != nil {
						walkErr = err
						return false
					}
				}
				return walkErr == nil
			})
		}
		probeast.Inspect(assign.RHS, func(inner probeast.Node) bool {
			if ref, ok := inner.(*probeast.TargetSymbolRef); ok {
				if err := visit(ref, false); err != nil {
					walkErr = err
					return false
				}
			}
			return walkErr == nil
		})
		return false // AssignStmt's children handled explicitly above
	})
	return walkErr
}
