package probequery

import (
	"debug/dwarf"
	"errors"
	"fmt"

	"github.com/kstapd/kstapd/dwarfctx"
)

// ErrReturnOnInline is returned by Resolve when a specifier selects the
// inline axis with Return set: an inlined instance has no common return
// site to probe, so .return is rejected outright (spec.md §4.3 step 3,
// scenario S2) rather than silently resolving to nothing.
var ErrReturnOnInline = errors.New("cannot probe .return of inline function")

// FuncInfo describes a concrete function DIE matched by a query: its name,
// declaration file/line, entry PC, high PC (exclusive end of its range,
// needed to tell which of several collected functions a bare address
// actually falls inside), and heuristic prologue-end PC.
type FuncInfo struct {
	Name        string
	DeclFile    string
	DeclLine    int
	EntryPC     uint64
	HighPC      uint64
	PrologueEnd uint64
	Entry       *dwarf.Entry
	ModuleName  string
	ModuleBase  uint64
}

// InlineInfo describes one inline instance matched by a query.
type InlineInfo struct {
	Name       string
	EntryPC    uint64
	Entry      *dwarf.Entry
	ModuleName string
	ModuleBase uint64
}

// ProbeSite is a single resolved instrumentation point.
type ProbeSite struct {
	GlobalAddress uint64
	Scope         *dwarf.Entry
	Specifier     string // a human string describing where this came from
	Return        bool
}

// Query drives a DwarfContext session from decoded Params, accumulating
// matched functions, inlines, and the resulting ProbeSites.
type Query struct {
	session *dwarfctx.Session
	arch    dwarfctx.Arch
	verbose bool

	FilteredFunctions map[uint64]*FuncInfo   // entry-pc -> FuncInfo
	FilteredInlines   map[uint64]*InlineInfo // entry-pc -> InlineInfo
	Sites             []*ProbeSite
}

// New creates a Query bound to session; arch selects the instruction
// decoder PrologueEnd uses to verify heuristic addresses, and verbose
// gates PrologueEnd's H0/H1 disagreement diagnostic (spec.md §4.1).
func New(session *dwarfctx.Session, arch dwarfctx.Arch, verbose bool) *Query {
	return &Query{
		session:           session,
		arch:              arch,
		verbose:           verbose,
		FilteredFunctions: make(map[uint64]*FuncInfo),
		FilteredInlines:   make(map[uint64]*InlineInfo),
	}
}

// Resolve runs the four-step resolution algorithm against p, populating
// q.Sites. It is safe to call Resolve multiple times with different Params
// on the same Query to accumulate sites from multiple specifiers: each
// call starts from empty FilteredFunctions/FilteredInlines.
func (q *Query) Resolve(p *Params) error {
	if p.Axis == AxisInline && p.Return {
		return ErrReturnOnInline
	}
	q.FilteredFunctions = make(map[uint64]*FuncInfo)
	q.FilteredInlines = make(map[uint64]*InlineInfo)

	// Step 1: kernel + numeric selector is already a global address.
	if p.Kernel && p.Selector.Form == SelectorNumeric && p.Axis == AxisStatement {
		return q.resolveGlobalAddress(p.Selector.Address, p.Return)
	}

	return q.IterateModules(p)
}

func (q *Query) resolveGlobalAddress(addr uint64, isReturn bool) error {
	q.session.IterateModules(func(name string, base uint64) dwarfctx.IterResult {
		cur, err := q.session.FocusOn(name)
		if err != nil {
			return dwarfctx.Continue
		}
		found := false
		cur.IterateCUs(func(cu dwarfctx.CU) dwarfctx.IterResult {
			cur.IterateFunctions(cu, func(fn dwarfctx.Function) dwarfctx.IterResult {
				if addr >= fn.LowPC && addr < fn.HighPC {
					q.addSite(cur, addr, fn.Entry, fmt.Sprintf("%s:%#x", name, addr), isReturn)
					found = true
					return dwarfctx.Abort
				}
				return dwarfctx.Continue
			})
			if found {
				return dwarfctx.Abort
			}
			return dwarfctx.Continue
		})
		if found {
			return dwarfctx.Abort
		}
		return dwarfctx.Continue
	})
	return nil
}

// IterateModules implements resolution steps 2-4: filter modules by
// kernel()/module(), then within each matching module's CUs apply the
// selector axis and optional line restriction.
func (q *Query) IterateModules(p *Params) error {
	var firstErr error
	q.session.IterateModules(func(name string, base uint64) dwarfctx.IterResult {
		if p.Kernel && name != "kernel" {
			return dwarfctx.Continue
		}
		if p.Module != "" && !dwarfctx.MatchModuleName(p.Module, name) {
			return dwarfctx.Continue
		}

		cur, err := q.session.FocusOn(name)
		if err != nil {
			return dwarfctx.Continue
		}

		if p.Selector.Form == SelectorNumeric {
			global := cur.Module().ModuleAddressToGlobal(p.Selector.Address)
			if err := q.resolveGlobalAddress(global, p.Return); err != nil && firstErr == nil {
				firstErr = err
			}
			return dwarfctx.Continue
		}

		if err := q.resolveStringSelector(cur, p); err != nil && firstErr == nil {
			firstErr = err
		}
		return dwarfctx.Continue
	})
	return firstErr
}

func (q *Query) resolveStringSelector(cur *dwarfctx.Cursor, p *Params) error {
	var firstErr error
	cur.IterateCUs(func(cu dwarfctx.CU) dwarfctx.IterResult {
		if p.Selector.File != "" && !q.cuHasMatchingFile(cur, cu, p.Selector.File) {
			return dwarfctx.Continue
		}

		cur.IterateFunctions(cu, func(fn dwarfctx.Function) dwarfctx.IterResult {
			q.collectFunction(cur, cu, fn, p)
			return dwarfctx.Continue
		})

		if p.Selector.Line != 0 {
			if err := q.resolveLineSpec(cur, cu, p); err != nil {
				if _, ok := err.(*dwarfctx.AmbiguousLine); ok {
					firstErr = err
					return dwarfctx.Abort
				}
				firstErr = err
			}
			return dwarfctx.Continue
		}

		q.resolveWithoutLineSpec(cur, p.Return)
		return dwarfctx.Continue
	})
	return firstErr
}

func (q *Query) cuHasMatchingFile(cur *dwarfctx.Cursor, cu dwarfctx.CU, pattern string) bool {
	matched := false
	cur.IterateSrcfileLines(cu, func(row dwarfctx.SrcLine) dwarfctx.IterResult {
		if dwarfctx.MatchSrcfile(pattern, row.File) {
			matched = true
			return dwarfctx.Abort
		}
		return dwarfctx.Continue
	})
	return matched
}

func (q *Query) collectFunction(cur *dwarfctx.Cursor, cu dwarfctx.CU, fn dwarfctx.Function, p *Params) {
	switch p.Axis {
	case AxisInline:
		if p.Selector.Form == SelectorString && !dwarfctx.MatchFunctionName(p.Selector.Name, fn.Name) {
			return
		}
		cur.IterateInlineInstances(fn, func(inst dwarfctx.Function) dwarfctx.IterResult {
			q.FilteredInlines[inst.LowPC] = &InlineInfo{
				Name:       inst.Name,
				EntryPC:    inst.LowPC,
				Entry:      inst.Entry,
				ModuleName: cur.Module().Name,
				ModuleBase: cur.Module().Base,
			}
			return dwarfctx.Continue
		})
	default:
		if p.Selector.Form == SelectorString && !dwarfctx.MatchFunctionName(p.Selector.Name, fn.Name) {
			return
		}
		prologueEnd, err := cur.PrologueEnd(cu, fn, q.arch, q.verbose)
		if err != nil {
			prologueEnd = fn.LowPC
		}
		q.FilteredFunctions[fn.LowPC] = &FuncInfo{
			Name:        fn.Name,
			EntryPC:     fn.LowPC,
			HighPC:      fn.HighPC,
			PrologueEnd: prologueEnd,
			Entry:       fn.Entry,
			ModuleName:  cur.Module().Name,
			ModuleBase:  cur.Module().Base,
		}
	}
}

func (q *Query) resolveLineSpec(cur *dwarfctx.Cursor, cu dwarfctx.CU, p *Params) error {
	addrs, err := cur.ResolveSrcLine(cu, p.Selector.File, p.Selector.Line)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if info := q.functionCovering(addr); info != nil {
			q.addSite(cur, addr, info.Entry, fmt.Sprintf("%s:%d", p.Selector.File, p.Selector.Line), p.Return)
			continue
		}
		if inst := q.inlineCovering(cur, addr); inst != nil {
			q.addSite(cur, addr, inst.Entry, fmt.Sprintf("%s:%d", p.Selector.File, p.Selector.Line), p.Return)
		}
	}
	return nil
}

func (q *Query) functionCovering(addr uint64) *FuncInfo {
	for _, fi := range q.FilteredFunctions {
		if addr >= fi.EntryPC && addr < fi.HighPC {
			return fi
		}
	}
	return nil
}

func (q *Query) inlineCovering(cur *dwarfctx.Cursor, addr uint64) *InlineInfo {
	for _, ii := range q.FilteredInlines {
		if ok, _ := cur.DieHasPC(ii.Entry, addr); ok {
			return ii
		}
	}
	return nil
}

// resolveWithoutLineSpec probes every collected function (at prologue_end,
// or entry-pc for .return) and every collected inline (at entry-pc).
// Resolve already rejects Return+AxisInline before either map is
// populated, so the two never need reconciling here.
func (q *Query) resolveWithoutLineSpec(cur *dwarfctx.Cursor, isReturn bool) {
	for _, fi := range q.FilteredFunctions {
		addr := fi.PrologueEnd
		if isReturn {
			addr = fi.EntryPC
		}
		q.addSite(cur, addr, fi.Entry, fi.Name, isReturn)
	}
	for _, ii := range q.FilteredInlines {
		if isReturn {
			continue
		}
		q.addSite(cur, ii.EntryPC, ii.Entry, ii.Name, false)
	}
}

// addSite applies the init-section filter (step 4) before recording a
// site: an address inside any ".init.*" ELF section is dropped silently.
func (q *Query) addSite(cur *dwarfctx.Cursor, addr uint64, scope *dwarf.Entry, specifier string, isReturn bool) {
	global := cur.Module().ModuleAddressToGlobal(addr)
	if cur.Module().InInitSection(global) {
		return
	}
	q.Sites = append(q.Sites, &ProbeSite{
		GlobalAddress: global,
		Scope:         scope,
		Specifier:     specifier,
		Return:        isReturn,
	})
}
