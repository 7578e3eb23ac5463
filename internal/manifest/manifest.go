// Package manifest decodes stapc's input file: a JSON list of probe
// points, each a raw specifier (the same string-keyed form
// probequery.Decode expects) plus a small JSON encoding of the probe
// body AST. The scripting-language parser that would normally produce
// this AST is explicitly out of scope (spec.md's Non-goals); manifest is
// the substitute front end that lets stapc's pipeline run end to end
// without one.
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/kstapd/kstapd/probeast"
	"github.com/kstapd/kstapd/probequery"
)

// Manifest is the top-level decoded input file.
type Manifest struct {
	Probes []Probe `json:"probes"`
}

// Probe is one probe-point entry: a raw specifier map (decoded the same
// way a real front end's pattern-match table would be) and an optional
// body.
type Probe struct {
	Name      string            `json:"name"`
	Specifier map[string]string `json:"specifier"`
	Body      []Stmt            `json:"body"`
}

// Stmt is the tagged-union JSON encoding of one probeast.Stmt.
type Stmt struct {
	Kind string `json:"kind"` // "expr" | "assign" | "if" | "block"
	X    *Expr  `json:"x,omitempty"`
	Op   string `json:"op,omitempty"`
	LHS  *Expr  `json:"lhs,omitempty"`
	RHS  *Expr  `json:"rhs,omitempty"`
	Cond *Expr  `json:"cond,omitempty"`
	Then []Stmt `json:"then,omitempty"`
	Else []Stmt `json:"else,omitempty"`
	List []Stmt `json:"list,omitempty"`
}

// Expr is the tagged-union JSON encoding of one probeast.Expr.
type Expr struct {
	Kind      string     `json:"kind"` // "ident" | "literal" | "target" | "call"
	Name      string     `json:"name,omitempty"`
	Value     string     `json:"value,omitempty"`
	Number    bool       `json:"number,omitempty"`
	Base      string     `json:"base,omitempty"`
	Accessors []Accessor `json:"accessors,omitempty"`
	Args      []Expr     `json:"args,omitempty"`
}

// Accessor mirrors probeast.Accessor's JSON form: exactly one of Field or
// Index is set.
type Accessor struct {
	Field string `json:"field,omitempty"`
	Index *Expr  `json:"index,omitempty"`
}

// Decode parses raw JSON bytes into a Manifest.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Params decodes p's raw specifier map into a validated probequery.Params.
func (p *Probe) Params() (*probequery.Params, error) {
	return probequery.Decode(probequery.RawParams(p.Specifier))
}

// AST builds the probeast.ProbeBody p.Body describes.
func (p *Probe) AST() (*probeast.ProbeBody, error) {
	stmts, err := stmtsToAST(p.Body)
	if err != nil {
		return nil, fmt.Errorf("probe %q: %w", p.Name, err)
	}
	return &probeast.ProbeBody{Stmts: stmts}, nil
}

func stmtsToAST(in []Stmt) ([]probeast.Stmt, error) {
	out := make([]probeast.Stmt, len(in))
	for i, s := range in {
		n, err := stmtToAST(s)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func stmtToAST(s Stmt) (probeast.Stmt, error) {
	switch s.Kind {
	case "expr":
		if s.X == nil {
			return nil, fmt.Errorf("expr statement missing x")
		}
		x, err := exprToAST(*s.X)
		if err != nil {
			return nil, err
		}
		return &probeast.ExprStmt{X: x}, nil

	case "assign":
		if s.LHS == nil || s.RHS == nil {
			return nil, fmt.Errorf("assign statement missing lhs/rhs")
		}
		lhs, err := exprToAST(*s.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := exprToAST(*s.RHS)
		if err != nil {
			return nil, err
		}
		op := s.Op
		if op == "" {
			op = "="
		}
		return &probeast.AssignStmt{Op: op, LHS: lhs, RHS: rhs}, nil

	case "if":
		if s.Cond == nil {
			return nil, fmt.Errorf("if statement missing cond")
		}
		cond, err := exprToAST(*s.Cond)
		if err != nil {
			return nil, err
		}
		thenStmts, err := stmtsToAST(s.Then)
		if err != nil {
			return nil, err
		}
		ifStmt := &probeast.IfStmt{Cond: cond, Then: &probeast.BlockStmt{List: thenStmts}}
		if len(s.Else) > 0 {
			elseStmts, err := stmtsToAST(s.Else)
			if err != nil {
				return nil, err
			}
			ifStmt.Else = &probeast.BlockStmt{List: elseStmts}
		}
		return ifStmt, nil

	case "block":
		list, err := stmtsToAST(s.List)
		if err != nil {
			return nil, err
		}
		return &probeast.BlockStmt{List: list}, nil

	default:
		return nil, fmt.Errorf("unknown statement kind %q", s.Kind)
	}
}

func exprToAST(e Expr) (probeast.Expr, error) {
	switch e.Kind {
	case "ident":
		return &probeast.Ident{Name: e.Name}, nil

	case "literal":
		kind := probeast.LiteralString
		if e.Number {
			kind = probeast.LiteralNumber
		}
		return &probeast.Literal{Kind: kind, Value: e.Value}, nil

	case "target":
		accessors := make([]probeast.Accessor, len(e.Accessors))
		for i, a := range e.Accessors {
			acc := probeast.Accessor{Field: a.Field}
			if a.Index != nil {
				idx, err := exprToAST(*a.Index)
				if err != nil {
					return nil, err
				}
				acc.Index = idx
			}
			accessors[i] = acc
		}
		return &probeast.TargetSymbolRef{Base: e.Base, Accessors: accessors}, nil

	case "call":
		args := make([]probeast.Expr, len(e.Args))
		for i, a := range e.Args {
			ax, err := exprToAST(a)
			if err != nil {
				return nil, err
			}
			args[i] = ax
		}
		return &probeast.CallExpr{Fn: e.Name, Args: args}, nil

	default:
		return nil, fmt.Errorf("unknown expression kind %q", e.Kind)
	}
}
