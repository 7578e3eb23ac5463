// Package probequery interprets a single probe-point specifier against a
// DwarfContext session, accumulating the set of ProbeSites it resolves to.
package probequery

import (
	"fmt"
	"strconv"
	"strings"
)

// SelectorForm distinguishes a string-form selector ("name", "name@file",
// "name@file:line") from a numeric-form selector (a bare address).
type SelectorForm int

const (
	SelectorNone SelectorForm = iota
	SelectorString
	SelectorNumeric
)

// Selector is one of function/inline/statement's recognized forms.
type Selector struct {
	Form    SelectorForm
	Name    string // set when Form==SelectorString
	File    string // optional, set when the string form carried "@file"
	Line    int    // optional, set when the string form carried ":line"
	Address uint64 // set when Form==SelectorNumeric
}

// Axis names which of function/inline/statement selected the probe point.
type Axis int

const (
	AxisNone Axis = iota
	AxisFunction
	AxisInline
	AxisStatement
)

// Params is the decoded form of the front end's parameter map (spec.md
// §4.3's recognized keys), produced by Decode from whatever representation
// the pattern-match table hands back.
type Params struct {
	Kernel  bool   // scope = the kernel image
	Module  string // scope = loaded module matching this glob; empty when unset
	Process string // reserved; rejected with Incomplete if set

	Axis     Axis
	Selector Selector

	Return bool // instrument at function exit

	// The following are recognized but always rejected with Incomplete,
	// preserved for forward compatibility with specifiers this module
	// does not yet resolve.
	Relative    *int64
	Label       string
	Callees     bool
	CalleesDist *int
}

// Incomplete is reported for any specifier this module recognizes but does
// not resolve: relative(), label(), callees[/num], and process().
type Incomplete struct {
	Key string
}

func (e *Incomplete) Error() string {
	return fmt.Sprintf("probe specifier %q is recognized but not resolved by this implementation", e.Key)
}

// RawParams is the shape a front-end pattern-match table is expected to
// hand ProbeQuery: a flat string-keyed map, values already stringified.
// Decode is deliberately tolerant of key absence; it only rejects
// recognized-but-unsupported keys.
type RawParams map[string]string

// Decode turns raw into a validated Params, or fails with Incomplete for
// any of relative/label/callees/process.
func Decode(raw RawParams) (*Params, error) {
	p := &Params{}

	if _, ok := raw["kernel"]; ok {
		p.Kernel = true
	}
	if v, ok := raw["module"]; ok {
		p.Module = v
	}
	if _, ok := raw["process"]; ok {
		return nil, &Incomplete{Key: "process"}
	}
	if _, ok := raw["return"]; ok {
		p.Return = true
	}
	if _, ok := raw["relative"]; ok {
		return nil, &Incomplete{Key: "relative"}
	}
	if _, ok := raw["label"]; ok {
		return nil, &Incomplete{Key: "label"}
	}
	if _, ok := raw["callees"]; ok {
		return nil, &Incomplete{Key: "callees"}
	}

	axisKeys := []struct {
		key  string
		axis Axis
	}{
		{"function", AxisFunction},
		{"inline", AxisInline},
		{"statement", AxisStatement},
	}
	for _, ak := range axisKeys {
		v, ok := raw[ak.key]
		if !ok {
			continue
		}
		sel, err := parseSelector(v)
		if err != nil {
			return nil, err
		}
		p.Axis = ak.axis
		p.Selector = sel
		break
	}

	return p, nil
}

// parseSelector decodes "name", "name@file", or "name@file:line" string
// forms, or a bare hex/decimal numeric address.
func parseSelector(v string) (Selector, error) {
	if addr, ok := parseAddress(v); ok {
		return Selector{Form: SelectorNumeric, Address: addr}, nil
	}

	name := v
	file := ""
	line := 0

	if at := strings.IndexByte(v, '@'); at >= 0 {
		name = v[:at]
		rest := v[at+1:]
		if colon := strings.LastIndexByte(rest, ':'); colon >= 0 {
			file = rest[:colon]
			n, err := strconv.Atoi(rest[colon+1:])
			if err != nil {
				return Selector{}, fmt.Errorf("invalid line number in selector %q: %w", v, err)
			}
			line = n
		} else {
			file = rest
		}
	}

	return Selector{Form: SelectorString, Name: name, File: file, Line: line}, nil
}

func parseAddress(v string) (uint64, bool) {
	if v == "" {
		return 0, false
	}
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		n, err := strconv.ParseUint(v[2:], 16, 64)
		return n, err == nil
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(v, 10, 64)
	return n, err == nil
}
