package probeast

// CloneBody returns a deep copy of a probe body. BodyRewriter clones before
// rewriting so that the original, unrewritten body can still be used to
// compute the flavour string for a different target PC (each resolved site
// rewrites its own independent copy).
func CloneBody(b *ProbeBody) *ProbeBody {
	if b == nil {
		return nil
	}
	return &ProbeBody{
		Position: b.Position,
		Stmts:    cloneStmts(b.Stmts),
	}
}

func cloneStmts(in []Stmt) []Stmt {
	if in == nil {
		return nil
	}
	out := make([]Stmt, len(in))
	for i, s := range in {
		out[i] = cloneStmt(s)
	}
	return out
}

func cloneStmt(s Stmt) Stmt {
	switch n := s.(type) {
	case *ExprStmt:
		return &ExprStmt{Position: n.Position, X: cloneExpr(n.X)}
	case *AssignStmt:
		return &AssignStmt{Position: n.Position, Op: n.Op, LHS: cloneExpr(n.LHS), RHS: cloneExpr(n.RHS)}
	case *BlockStmt:
		return &BlockStmt{Position: n.Position, List: cloneStmts(n.List)}
	case *IfStmt:
		var els *BlockStmt
		if n.Else != nil {
			els = cloneStmt(n.Else).(*BlockStmt)
		}
		return &IfStmt{
			Position: n.Position,
			Cond:     cloneExpr(n.Cond),
			Then:     cloneStmt(n.Then).(*BlockStmt),
			Else:     els,
		}
	default:
		return s
	}
}

func cloneExpr(e Expr) Expr {
	switch n := e.(type) {
	case *Ident:
		cp := *n
		return &cp
	case *Literal:
		cp := *n
		return &cp
	case *TargetSymbolRef:
		cp := *n
		cp.Accessors = make([]Accessor, len(n.Accessors))
		for i, a := range n.Accessors {
			cp.Accessors[i] = Accessor{Field: a.Field, Index: cloneExprOrNil(a.Index)}
		}
		return &cp
	case *CallExpr:
		cp := *n
		cp.Args = cloneExprs(n.Args)
		return &cp
	case *FunctionCallRef:
		cp := *n
		cp.Args = cloneExprs(n.Args)
		return &cp
	default:
		return e
	}
}

func cloneExprOrNil(e Expr) Expr {
	if e == nil {
		return nil
	}
	return cloneExpr(e)
}

func cloneExprs(in []Expr) []Expr {
	if in == nil {
		return nil
	}
	out := make([]Expr, len(in))
	for i, e := range in {
		out[i] = cloneExpr(e)
	}
	return out
}
