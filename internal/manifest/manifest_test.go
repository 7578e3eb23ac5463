package manifest

import (
	"testing"

	"github.com/kstapd/kstapd/probeast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_SingleProbeRoundTrip(t *testing.T) {
	data := []byte(`{
		"probes": [
			{
				"name": "open-entry",
				"specifier": {"kernel": "", "function": "sys_open"},
				"body": [
					{
						"kind": "expr",
						"x": {"kind": "call", "name": "log", "args": [
							{"kind": "target", "base": "filename"}
						]}
					}
				]
			}
		]
	}`)

	m, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, m.Probes, 1)

	p := m.Probes[0]
	assert.Equal(t, "open-entry", p.Name)

	params, err := p.Params()
	require.NoError(t, err)
	assert.True(t, params.Kernel)

	body, err := p.AST()
	require.NoError(t, err)
	require.Len(t, body.Stmts, 1)

	exprStmt, ok := body.Stmts[0].(*probeast.ExprStmt)
	require.True(t, ok)
	call, ok := exprStmt.X.(*probeast.CallExpr)
	require.True(t, ok)
	assert.Equal(t, "log", call.Fn)
	require.Len(t, call.Args, 1)
	ref, ok := call.Args[0].(*probeast.TargetSymbolRef)
	require.True(t, ok)
	assert.Equal(t, "filename", ref.Base)
}

func TestAST_AssignAndAccessors(t *testing.T) {
	probe := Probe{
		Body: []Stmt{
			{
				Kind: "assign",
				LHS:  &Expr{Kind: "ident", Name: "x"},
				RHS: &Expr{
					Kind: "target",
					Base: "skb",
					Accessors: []Accessor{
						{Field: "len"},
					},
				},
			},
		},
	}

	body, err := probe.AST()
	require.NoError(t, err)
	require.Len(t, body.Stmts, 1)

	assign, ok := body.Stmts[0].(*probeast.AssignStmt)
	require.True(t, ok)
	assert.Equal(t, "=", assign.Op)
	ref, ok := assign.RHS.(*probeast.TargetSymbolRef)
	require.True(t, ok)
	require.Len(t, ref.Accessors, 1)
	assert.Equal(t, "len", ref.Accessors[0].Field)
}

func TestAST_UnknownStmtKind(t *testing.T) {
	probe := Probe{Body: []Stmt{{Kind: "weird"}}}
	_, err := probe.AST()
	assert.Error(t, err)
}

func TestAST_IfStmt(t *testing.T) {
	probe := Probe{
		Body: []Stmt{
			{
				Kind: "if",
				Cond: &Expr{Kind: "ident", Name: "cond"},
				Then: []Stmt{{Kind: "expr", X: &Expr{Kind: "literal", Value: "1", Number: true}}},
			},
		},
	}
	body, err := probe.AST()
	require.NoError(t, err)
	ifStmt, ok := body.Stmts[0].(*probeast.IfStmt)
	require.True(t, ok)
	assert.Len(t, ifStmt.Then.List, 1)
	assert.Nil(t, ifStmt.Else)
}
