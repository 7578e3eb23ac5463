// Package siteresolve adapts loctrans.Translator to the rewrite.Resolver
// interface BodyRewriter and Flavour expect. One Resolver is shared across
// every site a given probe's body is rewritten against; SetFrame is called
// once per site immediately before the matching rewrite.Variants.Add call,
// so Resolve always sees the frame the site currently being processed.
// This mirrors rewrite's test fixtures, which likewise share a single
// Resolver across every Variants.Add call for a probe.
package siteresolve

import (
	"github.com/kstapd/kstapd/loctrans"
	"github.com/kstapd/kstapd/probeast"
)

// Resolver binds a loctrans.Translator to a mutable current frame.
type Resolver struct {
	translator *loctrans.Translator
	frame      loctrans.Frame
}

// New builds a Resolver with no frame set; call SetFrame before use.
func New(translator *loctrans.Translator) *Resolver {
	return &Resolver{translator: translator}
}

// SetFrame installs the DWARF frame subsequent Resolve calls translate
// TargetSymbolRefs against.
func (r *Resolver) SetFrame(frame loctrans.Frame) {
	r.frame = frame
}

// Resolve implements rewrite.Resolver.
func (r *Resolver) Resolve(ref *probeast.TargetSymbolRef, write bool, valueExpr string) (*loctrans.Snippet, error) {
	return r.translator.Resolve(r.frame, ref, write, valueExpr)
}
