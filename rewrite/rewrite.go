package rewrite

import (
	"fmt"
	"sync/atomic"

	"github.com/kstapd/kstapd/probeast"
)

// IllegalLvalue is reported when a target-variable reference is used as an
// assignment's LHS outside guru mode.
type IllegalLvalue struct {
	Position probeast.Position
	Expr     string
}

func (e *IllegalLvalue) Error() string {
	return fmt.Sprintf("%s: %q cannot be used as an lvalue outside guru mode", e.Position, e.Expr)
}

// UnsupportedCompoundAssign is reported for any assignment operator other
// than "=".
type UnsupportedCompoundAssign struct {
	Position probeast.Position
	Op       string
}

func (e *UnsupportedCompoundAssign) Error() string {
	return fmt.Sprintf("%s: compound assignment %q is not supported", e.Position, e.Op)
}

// Body is the result of rewriting a probe body: the rewritten AST plus the
// synthesized accessor declarations it references, in declaration order.
type Body struct {
	Stmts []probeast.Stmt
	Decls []*probeast.FunctionDecl
}

var declCounter uint64

func nextDeclName() string {
	n := atomic.AddUint64(&declCounter, 1)
	return fmt.Sprintf("__kstapd_accessor_%d", n)
}

// BodyRewriter deep-copies a probe body AST, replacing each TargetSymbolRef
// with a call to a freshly synthesized FunctionDecl whose body is the
// emitted fetch/store snippet from resolver.
type BodyRewriter struct {
	resolver Resolver
	guruMode bool
}

// NewBodyRewriter constructs a rewriter. guruMode enables writes to target
// variables; without it, any TargetSymbolRef used as an assignment's LHS
// fails with IllegalLvalue.
func NewBodyRewriter(resolver Resolver, guruMode bool) *BodyRewriter {
	return &BodyRewriter{resolver: resolver, guruMode: guruMode}
}

// Rewrite produces a fresh Body from src. src is never mutated; BodyRewriter
// clones before rewriting so the same original body can be flavoured and
// rewritten independently for each resolved site.
func (r *BodyRewriter) Rewrite(src *probeast.ProbeBody) (*Body, error) {
	clone := probeast.CloneBody(src)
	out := &Body{}

	rewritten, err := r.rewriteStmts(clone.Stmts, out)
	if err != nil {
		return nil, err
	}
	out.Stmts = rewritten
	return out, nil
}

func (r *BodyRewriter) rewriteStmts(stmts []probeast.Stmt, out *Body) ([]probeast.Stmt, error) {
	result := make([]probeast.Stmt, len(stmts))
	for i, s := range stmts {
		rs, err := r.rewriteStmt(s, out)
		if err != nil {
			return nil, err
		}
		result[i] = rs
	}
	return result, nil
}

func (r *BodyRewriter) rewriteStmt(s probeast.Stmt, out *Body) (probeast.Stmt, error) {
	switch n := s.(type) {
	case *probeast.ExprStmt:
		x, err := r.rewriteExpr(n.X, out)
		if err != nil {
			return nil, err
		}
		return &probeast.ExprStmt{Position: n.Position, X: x}, nil

	case *probeast.AssignStmt:
		return r.rewriteAssign(n, out)

	case *probeast.BlockStmt:
		list, err := r.rewriteStmts(n.List, out)
		if err != nil {
			return nil, err
		}
		return &probeast.BlockStmt{Position: n.Position, List: list}, nil

	case *probeast.IfStmt:
		cond, err := r.rewriteExpr(n.Cond, out)
		if err != nil {
			return nil, err
		}
		then, err := r.rewriteStmt(n.Then, out)
		if err != nil {
			return nil, err
		}
		var els probeast.Stmt
		if n.Else != nil {
			els, err = r.rewriteStmt(n.Else, out)
			if err != nil {
				return nil, err
			}
		}
		ifStmt := &probeast.IfStmt{Position: n.Position, Cond: cond, Then: then.(*probeast.BlockStmt)}
		if els != nil {
			ifStmt.Else = els.(*probeast.BlockStmt)
		}
		return ifStmt, nil

	default:
		return s, nil
	}
}

// rewriteAssign implements the shunting protocol from spec.md §4.4: the
// LHS is rewritten first; if it was a TargetSymbolRef, the resulting
// FunctionCallRef becomes the entire statement, with the rewritten RHS
// installed as its single argument (a "slot" of size one, since this AST
// has no multi-assignment form to shunt across).
func (r *BodyRewriter) rewriteAssign(n *probeast.AssignStmt, out *Body) (probeast.Stmt, error) {
	if n.Op != "=" {
		return nil, &UnsupportedCompoundAssign{Position: n.Position, Op: n.Op}
	}

	if ref, ok := n.LHS.(*probeast.TargetSymbolRef); ok {
		if !r.guruMode {
			return nil, &IllegalLvalue{Position: n.Position, Expr: ref.Base}
		}
		rhs, err := r.rewriteExpr(n.RHS, out)
		if err != nil {
			return nil, err
		}
		call, err := r.synthesizeAccessor(ref, true, out)
		if err != nil {
			return nil, err
		}
		call.Args = []probeast.Expr{rhs}
		return &probeast.ExprStmt{Position: n.Position, X: call}, nil
	}

	lhs, err := r.rewriteExpr(n.LHS, out)
	if err != nil {
		return nil, err
	}
	rhs, err := r.rewriteExpr(n.RHS, out)
	if err != nil {
		return nil, err
	}
	return &probeast.AssignStmt{Position: n.Position, Op: n.Op, LHS: lhs, RHS: rhs}, nil
}

func (r *BodyRewriter) rewriteExpr(e probeast.Expr, out *Body) (probeast.Expr, error) {
	switch n := e.(type) {
	case *probeast.TargetSymbolRef:
		return r.synthesizeAccessor(n, false, out)

	case *probeast.CallExpr:
		args, err := r.rewriteExprs(n.Args, out)
		if err != nil {
			return nil, err
		}
		return &probeast.CallExpr{Position: n.Position, Fn: n.Fn, Args: args}, nil

	case *probeast.FunctionCallRef:
		args, err := r.rewriteExprs(n.Args, out)
		if err != nil {
			return nil, err
		}
		return &probeast.FunctionCallRef{Position: n.Position, Decl: n.Decl, Args: args}, nil

	default:
		return e, nil
	}
}

func (r *BodyRewriter) rewriteExprs(in []probeast.Expr, out *Body) ([]probeast.Expr, error) {
	if in == nil {
		return nil, nil
	}
	result := make([]probeast.Expr, len(in))
	for i, e := range in {
		re, err := r.rewriteExpr(e, out)
		if err != nil {
			return nil, err
		}
		result[i] = re
	}
	return result, nil
}

func (r *BodyRewriter) synthesizeAccessor(ref *probeast.TargetSymbolRef, write bool, out *Body) (*probeast.FunctionCallRef, error) {
	snip, err := r.resolver.Resolve(ref, write, "value")
	if err != nil {
		return nil, err
	}

	decl := &probeast.FunctionDecl{
		Position: ref.Position,
		Name:     nextDeclName(),
		Body:     snip.Code,
	}
	if write {
		decl.Param = "value"
	}
	out.Decls = append(out.Decls, decl)

	return &probeast.FunctionCallRef{Position: ref.Position, Decl: decl}, nil
}
