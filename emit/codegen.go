package emit

import (
	"fmt"
	"strings"

	"github.com/kstapd/kstapd/probeast"
	"github.com/kstapd/kstapd/rewrite"
)

// renderDecls renders every synthesized accessor function in v's rewritten
// body as a standalone C function definition. Each FunctionDecl's Body is
// already opaque, emitted C text (loctrans's output); this only wraps it
// in a function signature.
func renderDecls(v *rewrite.Variant) string {
	var b strings.Builder
	for _, decl := range v.Body.Decls {
		if decl.Param != "" {
			fmt.Fprintf(&b, "static void %s(pe_long %s) %s\n", decl.Name, decl.Param, decl.Body)
		} else {
			fmt.Fprintf(&b, "static pe_long %s(void) %s\n", decl.Name, decl.Body)
		}
	}
	return b.String()
}

// renderBody serializes v's rewritten statement list to C, in source
// order, as the body of probe_<ID>.
func renderBody(v *rewrite.Variant) string {
	var b strings.Builder
	for _, stmt := range v.Body.Stmts {
		printStmt(&b, stmt)
	}
	return b.String()
}

func printStmt(b *strings.Builder, s probeast.Stmt) {
	switch n := s.(type) {
	case *probeast.ExprStmt:
		printExpr(b, n.X)
		b.WriteString(";\n")
	case *probeast.AssignStmt:
		printExpr(b, n.LHS)
		b.WriteString(" = ")
		printExpr(b, n.RHS)
		b.WriteString(";\n")
	case *probeast.BlockStmt:
		b.WriteString("{\n")
		for _, inner := range n.List {
			printStmt(b, inner)
		}
		b.WriteString("}\n")
	case *probeast.IfStmt:
		b.WriteString("if (")
		printExpr(b, n.Cond)
		b.WriteString(") ")
		printStmt(b, n.Then)
		if n.Else != nil {
			b.WriteString("else ")
			printStmt(b, n.Else)
		}
	}
}

func printExpr(b *strings.Builder, e probeast.Expr) {
	switch n := e.(type) {
	case *probeast.Ident:
		b.WriteString(n.Name)
	case *probeast.Literal:
		if n.Kind == probeast.LiteralString {
			fmt.Fprintf(b, "%q", n.Value)
		} else {
			b.WriteString(n.Value)
		}
	case *probeast.CallExpr:
		b.WriteString(n.Fn)
		b.WriteByte('(')
		for i, a := range n.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			printExpr(b, a)
		}
		b.WriteByte(')')
	case *probeast.FunctionCallRef:
		b.WriteString(n.Decl.Name)
		b.WriteByte('(')
		for i, a := range n.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			printExpr(b, a)
		}
		b.WriteByte(')')
	case *probeast.TargetSymbolRef:
		// Should never survive rewriting into a generated body; emitted
		// only if a caller bypasses BodyRewriter.
		b.WriteString("$" + n.Base)
	}
}
