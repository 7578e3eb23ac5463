package rewrite

import (
	"github.com/kstapd/kstapd/probeast"
)

// Variant is a bag of sites sharing a flavour: one rewritten probe body
// plus every human-readable site name it covers. Sites sharing a flavour
// string share a single generated handler — the dedup Variants performs.
type Variant struct {
	Flavour   string
	Body      *Body
	HasReturn bool
	SiteNames []string
}

// Variants deduplicates resolved sites by flavour, rewriting a body exactly
// once per distinct flavour. Once a variant has been produced from an
// empty flavour (no target-variable references at all), it is cached and
// reused unconditionally — every subsequent empty-flavour site, regardless
// of its own source position, joins that one variant.
type Variants struct {
	rewriter *BodyRewriter
	byKey    map[uint64]*Variant
	empty    *Variant
}

// NewVariants constructs an empty dedup table driven by rewriter.
func NewVariants(rewriter *BodyRewriter) *Variants {
	return &Variants{
		rewriter: rewriter,
		byKey:    make(map[uint64]*Variant),
	}
}

// Add resolves src's flavour against resolver, rewrites it if this is the
// first site with that flavour, and appends siteName (with hasReturn) to
// the resulting Variant.
func (v *Variants) Add(src *probeast.ProbeBody, resolver Resolver, siteName string, hasReturn bool) (*Variant, error) {
	flavour, err := Flavour(src, resolver)
	if err != nil {
		return nil, err
	}

	if flavour == "" {
		if v.empty == nil {
			body, err := v.rewriter.Rewrite(src)
			if err != nil {
				return nil, err
			}
			v.empty = &Variant{Flavour: "", Body: body}
		}
		v.empty.HasReturn = v.empty.HasReturn || hasReturn
		v.empty.SiteNames = append(v.empty.SiteNames, siteName)
		return v.empty, nil
	}

	key := FlavourKey(flavour)
	variant, ok := v.byKey[key]
	if !ok {
		body, err := v.rewriter.Rewrite(src)
		if err != nil {
			return nil, err
		}
		variant = &Variant{Flavour: flavour, Body: body}
		v.byKey[key] = variant
	}
	variant.HasReturn = variant.HasReturn || hasReturn
	variant.SiteNames = append(variant.SiteNames, siteName)
	return variant, nil
}

// All returns every distinct variant produced so far, in no particular
// order.
func (v *Variants) All() []*Variant {
	out := make([]*Variant, 0, len(v.byKey)+1)
	if v.empty != nil {
		out = append(out, v.empty)
	}
	for _, variant := range v.byKey {
		out = append(out, variant)
	}
	return out
}
