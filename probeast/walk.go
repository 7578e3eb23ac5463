package probeast

// Visitor is implemented by types that want to walk a probe body. Visit is
// called for every node; if it returns a non-nil Visitor, Walk visits each
// of the node's children with that visitor, then calls Visit(nil) once the
// children have been visited (mirroring go/ast.Walk's contract).
type Visitor interface {
	Visit(node Node) (w Visitor)
}

// Walk traverses an AST in depth-first order, following the same contract
// as go/ast.Walk: it is the canonical shape for a read-only or rewriting
// pass over a small statement/expression tree.
func Walk(v Visitor, node Node) {
	if node == nil {
		return
	}
	if v = v.Visit(node); v == nil {
		return
	}

	switch n := node.(type) {
	case *ProbeBody:
		for _, s := range n.Stmts {
			Walk(v, s)
		}
	case *BlockStmt:
		for _, s := range n.List {
			Walk(v, s)
		}
	case *IfStmt:
		Walk(v, n.Cond)
		Walk(v, n.Then)
		if n.Else != nil {
			Walk(v, n.Else)
		}
	case *ExprStmt:
		Walk(v, n.X)
	case *AssignStmt:
		Walk(v, n.LHS)
		Walk(v, n.RHS)
	case *CallExpr:
		for _, a := range n.Args {
			Walk(v, a)
		}
	case *FunctionCallRef:
		for _, a := range n.Args {
			Walk(v, a)
		}
	case *TargetSymbolRef, *Ident, *Literal:
		// leaves
	}

	v.Visit(nil)
}

// inspector adapts a plain func(Node) bool to a Visitor, matching the
// go/ast.Inspect convenience wrapper.
type inspector func(Node) bool

func (f inspector) Visit(node Node) Visitor {
	if f(node) {
		return f
	}
	return nil
}

// Inspect traverses the AST calling fn for each node; fn returning false
// prunes that node's children.
func Inspect(node Node, fn func(Node) bool) {
	Walk(inspector(fn), node)
}
