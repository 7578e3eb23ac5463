package rewrite

import (
	"fmt"
	"testing"

	"github.com/kstapd/kstapd/loctrans"
	"github.com/kstapd/kstapd/probeast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver resolves every TargetSymbolRef to a snippet derived
// deterministically from its Base name, so tests can assert on exact
// flavour strings without a real DWARF session.
type fakeResolver struct {
	kind loctrans.Kind
}

func (f *fakeResolver) Resolve(ref *probeast.TargetSymbolRef, write bool, valueExpr string) (*loctrans.Snippet, error) {
	return &loctrans.Snippet{
		Kind:  f.kind,
		Code:  []byte(fmt.Sprintf("fetch(%s)", ref.Base)),
		Write: write,
	}, nil
}

func readBody(name string) *probeast.ProbeBody {
	ref := &probeast.TargetSymbolRef{Base: name}
	return &probeast.ProbeBody{Stmts: []probeast.Stmt{&probeast.ExprStmt{X: ref}}}
}

func TestFlavour_ReadOnly(t *testing.T) {
	body := readBody("skb")
	resolver := &fakeResolver{kind: loctrans.KindInteger}

	flavour, err := Flavour(body, resolver)
	require.NoError(t, err)
	assert.Equal(t, "rL10{fetch(skb)}", flavour)
}

func TestFlavour_Empty(t *testing.T) {
	body := &probeast.ProbeBody{Stmts: []probeast.Stmt{
		&probeast.ExprStmt{X: &probeast.CallExpr{Fn: "log", Args: []probeast.Expr{&probeast.Literal{Value: "hi"}}}},
	}}
	flavour, err := Flavour(body, &fakeResolver{})
	require.NoError(t, err)
	assert.Equal(t, "", flavour)
}

func TestFlavour_WriteTag(t *testing.T) {
	body := &probeast.ProbeBody{Stmts: []probeast.Stmt{
		&probeast.AssignStmt{
			Op:  "=",
			LHS: &probeast.TargetSymbolRef{Base: "x"},
			RHS: &probeast.Literal{Kind: probeast.LiteralNumber, Value: "1"},
		},
	}}
	flavour, err := Flavour(body, &fakeResolver{kind: loctrans.KindInteger})
	require.NoError(t, err)
	assert.Equal(t, "wL8{fetch(x)}", flavour)
}

func TestBodyRewriter_SynthesizesAccessor(t *testing.T) {
	body := readBody("skb")
	rewriter := NewBodyRewriter(&fakeResolver{kind: loctrans.KindInteger}, false)

	out, err := rewriter.Rewrite(body)
	require.NoError(t, err)
	require.Len(t, out.Decls, 1)
	assert.Equal(t, "", out.Decls[0].Param)

	exprStmt := out.Stmts[0].(*probeast.ExprStmt)
	call := exprStmt.X.(*probeast.FunctionCallRef)
	assert.Same(t, out.Decls[0], call.Decl)
}

func TestBodyRewriter_IllegalLvalueWithoutGuruMode(t *testing.T) {
	body := &probeast.ProbeBody{Stmts: []probeast.Stmt{
		&probeast.AssignStmt{
			Op:  "=",
			LHS: &probeast.TargetSymbolRef{Base: "x"},
			RHS: &probeast.Literal{Kind: probeast.LiteralNumber, Value: "1"},
		},
	}}
	rewriter := NewBodyRewriter(&fakeResolver{kind: loctrans.KindInteger}, false)
	_, err := rewriter.Rewrite(body)
	require.Error(t, err)
	var ill *IllegalLvalue
	assert.ErrorAs(t, err, &ill)
}

func TestBodyRewriter_GuruModeAllowsStore(t *testing.T) {
	body := &probeast.ProbeBody{Stmts: []probeast.Stmt{
		&probeast.AssignStmt{
			Op:  "=",
			LHS: &probeast.TargetSymbolRef{Base: "x"},
			RHS: &probeast.Literal{Kind: probeast.LiteralNumber, Value: "1"},
		},
	}}
	rewriter := NewBodyRewriter(&fakeResolver{kind: loctrans.KindInteger}, true)
	out, err := rewriter.Rewrite(body)
	require.NoError(t, err)
	require.Len(t, out.Decls, 1)
	assert.Equal(t, "value", out.Decls[0].Param)

	exprStmt := out.Stmts[0].(*probeast.ExprStmt)
	call := exprStmt.X.(*probeast.FunctionCallRef)
	require.Len(t, call.Args, 1)
	lit := call.Args[0].(*probeast.Literal)
	assert.Equal(t, "1", lit.Value)
}

func TestBodyRewriter_RejectsCompoundAssign(t *testing.T) {
	body := &probeast.ProbeBody{Stmts: []probeast.Stmt{
		&probeast.AssignStmt{
			Op:  "+=",
			LHS: &probeast.TargetSymbolRef{Base: "x"},
			RHS: &probeast.Literal{Kind: probeast.LiteralNumber, Value: "1"},
		},
	}}
	rewriter := NewBodyRewriter(&fakeResolver{kind: loctrans.KindInteger}, true)
	_, err := rewriter.Rewrite(body)
	require.Error(t, err)
	var uc *UnsupportedCompoundAssign
	assert.ErrorAs(t, err, &uc)
}

func TestVariants_DedupBySameFlavour(t *testing.T) {
	resolver := &fakeResolver{kind: loctrans.KindInteger}
	rewriter := NewBodyRewriter(resolver, false)
	variants := NewVariants(rewriter)

	v1, err := variants.Add(readBody("skb"), resolver, "site1", false)
	require.NoError(t, err)
	v2, err := variants.Add(readBody("skb"), resolver, "site2", true)
	require.NoError(t, err)

	assert.Same(t, v1, v2)
	assert.ElementsMatch(t, []string{"site1", "site2"}, v1.SiteNames)
	assert.True(t, v1.HasReturn)
}

func TestVariants_DifferentFlavoursSeparateVariants(t *testing.T) {
	resolver := &fakeResolver{kind: loctrans.KindInteger}
	rewriter := NewBodyRewriter(resolver, false)
	variants := NewVariants(rewriter)

	v1, err := variants.Add(readBody("skb"), resolver, "site1", false)
	require.NoError(t, err)
	v2, err := variants.Add(readBody("sock"), resolver, "site2", false)
	require.NoError(t, err)

	assert.NotSame(t, v1, v2)
	assert.Len(t, variants.All(), 2)
}

func TestVariants_EmptyFlavourCachedUnconditionally(t *testing.T) {
	resolver := &fakeResolver{}
	rewriter := NewBodyRewriter(resolver, false)
	variants := NewVariants(rewriter)

	bodyA := &probeast.ProbeBody{Stmts: []probeast.Stmt{&probeast.ExprStmt{X: &probeast.CallExpr{Fn: "log"}}}}
	bodyB := &probeast.ProbeBody{Stmts: []probeast.Stmt{&probeast.ExprStmt{X: &probeast.CallExpr{Fn: "printf"}}}}

	v1, err := variants.Add(bodyA, resolver, "site1", false)
	require.NoError(t, err)
	v2, err := variants.Add(bodyB, resolver, "site2", false)
	require.NoError(t, err)

	assert.Same(t, v1, v2)
}
