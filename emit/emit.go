// Package emit turns a set of rewritten probe variants into kernel-loadable
// C source: address arrays, a dispatch trampoline, registration and
// deregistration routines, and a shared fault handler.
package emit

import (
	"bytes"
	"fmt"
	"log/slog"
	"text/template"

	"github.com/kstapd/kstapd/rewrite"
)

// SessionState mirrors the generated module's own state machine, used by
// the dispatch trampoline's gating checks.
type SessionState int

const (
	StateUnloaded SessionState = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "STAPD_STARTING"
	case StateRunning:
		return "STAPD_RUNNING"
	case StateStopping:
		return "STAPD_STOPPING"
	case StateError:
		return "STAPD_ERROR"
	default:
		return "STAPD_UNLOADED"
	}
}

// Site is one address bound into a variant's emitted arrays.
type Site struct {
	GlobalAddress uint64
	LocationName  string // human-readable, used for error reporting
}

// EmittedVariant pairs a rewrite.Variant with its concrete addresses and a
// stable numeric id used to name its generated probe_N function.
type EmittedVariant struct {
	ID        int
	Variant   *rewrite.Variant
	Sites     []Site
	HasReturn bool
}

// TimerSpec describes a timer-driven probe (spec.md §4.5's "Timer probes"):
// identical dispatch shape, but scheduled rather than address-triggered.
type TimerSpec struct {
	ID          int
	Variant     *rewrite.Variant
	IntervalJif int64 // jiffies; must be in (0, 1_000_000]
	RandomizeJif int64 // jiffies; must be in [0, IntervalJif]
}

// IntervalError is returned when a TimerSpec's interval or randomize value
// falls outside its required range.
type IntervalError struct {
	Field string
	Value int64
}

func (e *IntervalError) Error() string {
	return fmt.Sprintf("timer probe %s value %d out of range", e.Field, e.Value)
}

// Validate checks TimerSpec's interval/randomize bounds, per spec.md
// §4.5: interval in (0, 1_000_000], randomize in [0, interval].
func (t *TimerSpec) Validate() error {
	if t.IntervalJif <= 0 || t.IntervalJif > 1_000_000 {
		return &IntervalError{Field: "interval", Value: t.IntervalJif}
	}
	if t.RandomizeJif < 0 || t.RandomizeJif > t.IntervalJif {
		return &IntervalError{Field: "randomize", Value: t.RandomizeJif}
	}
	return nil
}

// Emitter generates C source for a translation unit's worth of variants.
type Emitter struct {
	logger *slog.Logger
	tmpl   *template.Template
}

// New builds an Emitter. The template is parsed once at construction.
func New(logger *slog.Logger) (*Emitter, error) {
	tmpl, err := template.New("emit").Parse(unitTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse emit templates: %w", err)
	}
	return &Emitter{logger: logger, tmpl: tmpl}, nil
}

// Unit is everything this Emitter needs to produce one translation unit of
// generated C: the kprobe-backed variants and the timer-backed ones.
type Unit struct {
	Variants []*EmittedVariant
	Timers   []*TimerSpec
}

// Emit renders unit's C source. It fails if any TimerSpec is out of range.
func (e *Emitter) Emit(unit *Unit) ([]byte, error) {
	for _, t := range unit.Timers {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}

	data := unitData{
		Variants: make([]variantData, len(unit.Variants)),
		Timers:   make([]timerData, len(unit.Timers)),
	}
	for i, v := range unit.Variants {
		data.Variants[i] = newVariantData(v)
	}
	for i, t := range unit.Timers {
		data.Timers[i] = newTimerData(t)
	}

	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("emit translation unit: %w", err)
	}
	return buf.Bytes(), nil
}

type unitData struct {
	Variants []variantData
	Timers   []timerData
}

type variantData struct {
	ID           int
	ProbeKind    string // "kprobe" or "kretprobe"
	Addresses    []uint64
	Locations    []string
	DeclsC       string
	BodyC        string
}

func newVariantData(v *EmittedVariant) variantData {
	kind := "kprobe"
	if v.HasReturn {
		kind = "kretprobe"
	}
	addrs := make([]uint64, len(v.Sites))
	locs := make([]string, len(v.Sites))
	for i, s := range v.Sites {
		addrs[i] = s.GlobalAddress
		locs[i] = s.LocationName
	}
	return variantData{
		ID:        v.ID,
		ProbeKind: kind,
		Addresses: addrs,
		Locations: locs,
		DeclsC:    renderDecls(v.Variant),
		BodyC:     renderBody(v.Variant),
	}
}

type timerData struct {
	ID           int
	IntervalJif  int64
	RandomizeJif int64
	BodyC        string
}

func newTimerData(t *TimerSpec) timerData {
	return timerData{
		ID:           t.ID,
		IntervalJif:  t.IntervalJif,
		RandomizeJif: t.RandomizeJif,
		BodyC:        renderBody(t.Variant),
	}
}
