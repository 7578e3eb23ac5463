// Package loctrans translates a chain of member accesses, pointer
// dereferences, and array indices rooted at a local or formal parameter
// into emitted C code fragments that fetch into a result slot or store from
// a caller-supplied value.
package loctrans

import (
	"bytes"
	"debug/dwarf"
	"fmt"
	"text/template"

	"github.com/kstapd/kstapd/probeast"
)

// Kind classifies the final type an access chain resolves to, determining
// how the emitted snippet reads or writes its value.
type Kind int

const (
	KindUnknown Kind = iota
	KindInteger
	KindString
	KindStruct // a struct/union value reported as an opaque statistic
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindString:
		return "string"
	case KindStruct:
		return "struct"
	default:
		return "unknown"
	}
}

// LocalNotFound is reported when the named local or formal parameter
// cannot be found in any DWARF scope covering pc.
type LocalNotFound struct {
	Name string
	PC   uint64
}

func (e *LocalNotFound) Error() string {
	return fmt.Sprintf("no local or formal parameter %q visible at pc %#x", e.Name, e.PC)
}

// FieldOnBase is reported when an access chain applies a further accessor
// (`.field` or `[n]`) to a value that has already reduced to a base type.
type FieldOnBase struct {
	Base  string
	Field string
}

func (e *FieldOnBase) Error() string {
	return fmt.Sprintf("cannot access %q on base type %q", e.Field, e.Base)
}

// CannotStorePointer is reported when an assignment's LHS access chain
// resolves to a pointer type: the original implementation never supported
// storing through pointer-typed targets.
type CannotStorePointer struct {
	Expr string
}

func (e *CannotStorePointer) Error() string {
	return fmt.Sprintf("cannot store into pointer-typed expression %q", e.Expr)
}

// Snippet is the emitted code fragment for one access chain, plus the
// metadata BodyRewriter and the flavour pass need.
type Snippet struct {
	Kind   Kind
	Code   []byte // opaque C text, wrapped in the deref_fault block
	Write  bool   // true for a store snippet, false for fetch
	TypeID string // a stable label for the resolved DWARF type, used in the flavour string
}

// Frame describes the DWARF scope a TargetSymbolRef is being resolved
// against: the DWARF data it comes from, the function/inline instance DIE
// covering pc, and pc itself.
type Frame struct {
	Data     *dwarf.Data
	ScopeDIE *dwarf.Entry
	PC       uint64
}

// Translator compiles TargetSymbolRef access chains into Snippets.
type Translator struct {
	fetchTmpl *template.Template
	storeTmpl *template.Template
}

// New builds a Translator. The two templates are fixed once at
// construction and shared across every Resolve call — they do not depend
// on any the per-site state.
func New() *Translator {
	return &Translator{
		fetchTmpl: template.Must(template.New("fetch").Parse(fetchTemplate)),
		storeTmpl: template.Must(template.New("store").Parse(storeTemplate)),
	}
}

// resolvedAccess is the internal accumulator walked across a
// TargetSymbolRef's Accessors: the running DWARF type and the C expression
// text built up so far.
type resolvedAccess struct {
	expr string // C expression so far, e.g. "((struct task_struct *)CONTEXT->arg0)"
	typ  dwarf.Type
}

// Resolve translates ref into a fetch or store Snippet. write selects
// which template wraps the final access; valueExpr is the C expression
// substituted for the stored value (ignored when !write).
func (t *Translator) Resolve(f Frame, ref *probeast.TargetSymbolRef, write bool, valueExpr string) (*Snippet, error) {
	baseType, baseExpr, err := t.resolveLocal(f, ref.Base)
	if err != nil {
		return nil, err
	}

	acc := resolvedAccess{expr: baseExpr, typ: baseType}
	for _, step := range ref.Accessors {
		acc, err = t.applyAccessor(acc, step, ref.Base)
		if err != nil {
			return nil, err
		}
	}

	kind := classify(acc.typ)
	if write && isPointerType(acc.typ) {
		return nil, &CannotStorePointer{Expr: ref.Base}
	}

	code, err := t.emit(acc, kind, write, valueExpr)
	if err != nil {
		return nil, err
	}

	return &Snippet{
		Kind:   kind,
		Code:   code,
		Write:  write,
		TypeID: typeLabel(acc.typ),
	}, nil
}

// resolveLocal finds name among the formal parameters and local variables
// of f.ScopeDIE (and its lexical-block descendants), returning its type and
// the C expression that reads its frame-resident value.
//
// The full location-expression compiler (DW_OP_fbreg against the frame
// base, DW_OP_addr for statics) lives in location.go; this function only
// handles the DIE lookup.
func (t *Translator) resolveLocal(f Frame, name string) (dwarf.Type, string, error) {
	entry, err := findLocalDIE(f.Data, f.ScopeDIE, name)
	if err != nil {
		return nil, "", err
	}
	if entry == nil {
		return nil, "", &LocalNotFound{Name: name, PC: f.PC}
	}

	typeOff, ok := entry.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return nil, "", &LocalNotFound{Name: name, PC: f.PC}
	}
	typ, err := f.Data.Type(typeOff)
	if err != nil {
		return nil, "", fmt.Errorf("resolve type of %q: %w", name, err)
	}

	expr, err := compileLocation(f.Data, entry, f.PC)
	if err != nil {
		return nil, "", fmt.Errorf("resolve location of %q: %w", name, err)
	}

	return typ, expr, nil
}

func (t *Translator) applyAccessor(acc resolvedAccess, step probeast.Accessor, baseName string) (resolvedAccess, error) {
	typ := stripTypedefs(acc.typ)

	if step.Index != nil {
		switch u := typ.(type) {
		case *dwarf.PtrType:
			inner := stripTypedefs(u.Type)
			return resolvedAccess{
				expr: fmt.Sprintf("(*(%s*)((char*)(%s) + (%s) * sizeof(%s)))", ctypeName(inner), acc.expr, "__idx", ctypeName(inner)),
				typ:  inner,
			}, nil
		case *dwarf.ArrayType:
			inner := stripTypedefs(u.Type)
			return resolvedAccess{
				expr: fmt.Sprintf("((%s)(%s)[%s])", ctypeName(inner), acc.expr, "__idx"),
				typ:  inner,
			}, nil
		default:
			return resolvedAccess{}, &FieldOnBase{Base: baseName, Field: "[]"}
		}
	}

	switch u := typ.(type) {
	case *dwarf.StructType:
		member := findMember(u, step.Field)
		if member == nil {
			return resolvedAccess{}, &FieldOnBase{Base: baseName, Field: step.Field}
		}
		return resolvedAccess{
			expr: fmt.Sprintf("(((%s*)(&(%s)))->%s)", ctypeName(member.Type), acc.expr, member.Name),
			typ:  member.Type,
		}, nil
	case *dwarf.PtrType:
		inner := stripTypedefs(u.Type)
		if st, ok := inner.(*dwarf.StructType); ok {
			member := findMember(st, step.Field)
			if member == nil {
				return resolvedAccess{}, &FieldOnBase{Base: baseName, Field: step.Field}
			}
			return resolvedAccess{
				expr: fmt.Sprintf("(((%s*)(%s))->%s)", ctypeName(inner), acc.expr, member.Name),
				typ:  member.Type,
			}, nil
		}
		return resolvedAccess{}, &FieldOnBase{Base: baseName, Field: step.Field}
	default:
		return resolvedAccess{}, &FieldOnBase{Base: baseName, Field: step.Field}
	}
}

func findMember(s *dwarf.StructType, name string) *dwarf.StructField {
	for _, f := range s.Field {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// stripTypedefs follows typedef/const/volatile chains down to the
// underlying representational type, per protocol step 3's "typedef/const/
// volatile → strip" rule.
func stripTypedefs(t dwarf.Type) dwarf.Type {
	for {
		switch u := t.(type) {
		case *dwarf.TypedefType:
			t = u.Type
		case *dwarf.QualType:
			t = u.Type
		default:
			return t
		}
	}
}

func isPointerType(t dwarf.Type) bool {
	_, ok := stripTypedefs(t).(*dwarf.PtrType)
	return ok
}

func classify(t dwarf.Type) Kind {
	switch u := stripTypedefs(t).(type) {
	case *dwarf.IntType, *dwarf.UintType, *dwarf.EnumType, *dwarf.BoolType, *dwarf.CharType, *dwarf.UcharType:
		return KindInteger
	case *dwarf.PtrType:
		if isCharPointer(u) {
			return KindString
		}
		return KindInteger // address-of fetch into pe_long, per protocol step 4
	case *dwarf.ArrayType:
		if isCharArray(u) {
			return KindString
		}
		return KindInteger
	case *dwarf.StructType:
		return KindStruct
	default:
		return KindUnknown
	}
}

func isCharPointer(p *dwarf.PtrType) bool {
	switch stripTypedefs(p.Type).(type) {
	case *dwarf.CharType, *dwarf.UcharType:
		return true
	}
	return false
}

func isCharArray(a *dwarf.ArrayType) bool {
	switch stripTypedefs(a.Type).(type) {
	case *dwarf.CharType, *dwarf.UcharType:
		return true
	}
	return false
}

func typeLabel(t dwarf.Type) string {
	if t == nil {
		return "?"
	}
	return t.String()
}

func ctypeName(t dwarf.Type) string {
	if t == nil {
		return "void"
	}
	return t.String()
}

const fetchTemplate = `{
	pe_long __tmp = 0;
	{{.ResultVar}} = (pe_long)({{.Expr}});
	goto out;
deref_fault:
	last_error = "pointer dereference fault";
	goto out;
out: ;
}`

const storeTemplate = `{
	({{.Expr}}) = ({{.CType}})({{.ValueExpr}});
	goto out;
deref_fault:
	last_error = "pointer dereference fault";
	goto out;
out: ;
}`

type templateData struct {
	Expr      string
	ResultVar string
	ValueExpr string
	CType     string
}

func (t *Translator) emit(acc resolvedAccess, kind Kind, write bool, valueExpr string) ([]byte, error) {
	var buf bytes.Buffer
	data := templateData{
		Expr:      acc.expr,
		ResultVar: "THIS->__retvalue",
		ValueExpr: valueExpr,
		CType:     ctypeName(acc.typ),
	}
	tmpl := t.fetchTmpl
	if write {
		tmpl = t.storeTmpl
		data.Expr = acc.expr
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("emit snippet: %w", err)
	}
	return buf.Bytes(), nil
}
