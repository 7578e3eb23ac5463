// Package compile wires together dwarfctx, probequery, rewrite, emit,
// sitecache, and internal/manifest into stapc's single "resolve a
// manifest, emit C" operation. It exists as its own package, separate
// from cmd/stapc, so the pipeline can be exercised directly from tests
// without going through flag parsing.
package compile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/kstapd/kstapd/dwarfctx"
	"github.com/kstapd/kstapd/emit"
	"github.com/kstapd/kstapd/internal/manifest"
	"github.com/kstapd/kstapd/internal/siteresolve"
	"github.com/kstapd/kstapd/loctrans"
	"github.com/kstapd/kstapd/probequery"
	"github.com/kstapd/kstapd/rewrite"
	"github.com/kstapd/kstapd/sitecache"
)

// Request is everything one compile run needs.
type Request struct {
	ManifestData  []byte
	KernelRelease string
	UserBinary    string
	DebuginfoPath string
	CachePath     string // empty disables the resolution cache
	Arch          string // "amd64" or "arm64"
	GuruMode      bool
	Verbosity     int
}

// Result is one compile run's output.
type Result struct {
	GeneratedC   []byte
	Report       string
	SiteCount    int
	VariantCount int
}

func parseArch(s string) (dwarfctx.Arch, error) {
	switch strings.ToLower(s) {
	case "", "amd64", "x86_64":
		return dwarfctx.ArchX86_64, nil
	case "arm64", "aarch64":
		return dwarfctx.ArchARM64, nil
	default:
		return 0, fmt.Errorf("unsupported architecture %q", s)
	}
}

// Run resolves every probe in req's manifest and emits a single
// translation unit covering all of them.
func Run(ctx context.Context, req Request, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m, err := manifest.Decode(req.ManifestData)
	if err != nil {
		return nil, err
	}

	arch, err := parseArch(req.Arch)
	if err != nil {
		return nil, err
	}

	kind := dwarfctx.KindKernel
	opts := []dwarfctx.Option{dwarfctx.WithLogger(logger)}
	if req.DebuginfoPath != "" {
		opts = append(opts, dwarfctx.WithDebuginfoPath(req.DebuginfoPath))
	}
	if req.UserBinary != "" {
		kind = dwarfctx.KindUserProcess
		opts = append(opts, dwarfctx.WithUserBinary(req.UserBinary))
	} else {
		opts = append(opts, dwarfctx.WithKernelRelease(req.KernelRelease))
	}

	session, err := dwarfctx.Open(kind, opts...)
	if err != nil {
		return nil, fmt.Errorf("open debug info: %w", err)
	}

	moduleName := "kernel"
	if req.UserBinary != "" {
		moduleName = filepath.Base(req.UserBinary)
	}
	cur, err := session.FocusOn(moduleName)
	if err != nil {
		return nil, fmt.Errorf("focus on %s: %w", moduleName, err)
	}
	buildID := cur.Module().BuildID()

	var cache *sitecache.Cache
	if req.CachePath != "" {
		cache, err = sitecache.Open(ctx, req.CachePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open resolution cache: %w", err)
		}
		defer cache.Close()
	}

	translator := loctrans.New()
	unit := &emit.Unit{}
	var report strings.Builder
	variantID := 0
	siteTotal := 0
	sessionID := uuid.NewString()

	for _, probe := range m.Probes {
		params, err := probe.Params()
		if err != nil {
			return nil, fmt.Errorf("probe %q: %w", probe.Name, err)
		}

		pattern := specifierKey(probe.Specifier)
		if cache != nil {
			if _, sessionID, ok, err := cache.Lookup(ctx, buildID, pattern); err == nil && ok {
				logger.Debug("resolution cache hit", "probe", probe.Name, "session", sessionID)
			}
		}

		q := probequery.New(session, arch, req.Verbosity > 0)
		if err := q.Resolve(params); err != nil {
			return nil, fmt.Errorf("probe %q: resolve: %w", probe.Name, err)
		}

		body, err := probe.AST()
		if err != nil {
			return nil, err
		}

		resolver := siteresolve.New(translator)
		rewriter := rewrite.NewBodyRewriter(resolver, req.GuruMode)
		variants := rewrite.NewVariants(rewriter)

		variantSites := map[*rewrite.Variant][]emit.Site{}
		variantReturn := map[*rewrite.Variant]bool{}

		for _, site := range q.Sites {
			pc := cur.Module().GlobalAddressToModule(site.GlobalAddress)
			resolver.SetFrame(loctrans.Frame{Data: cur.Data(), ScopeDIE: site.Scope, PC: pc})

			variant, err := variants.Add(body, resolver, site.Specifier, site.Return)
			if err != nil {
				return nil, fmt.Errorf("probe %q site %q: %w", probe.Name, site.Specifier, err)
			}
			variantSites[variant] = append(variantSites[variant], emit.Site{
				GlobalAddress: site.GlobalAddress,
				LocationName:  site.Specifier,
			})
			variantReturn[variant] = variantReturn[variant] || site.Return

			fmt.Fprintf(&report, "%s: %s -> %#x%s\n", probe.Name, site.Specifier, site.GlobalAddress,
				retSuffix(site.Return))
			siteTotal++
		}

		for _, variant := range variants.All() {
			variantID++
			unit.Variants = append(unit.Variants, &emit.EmittedVariant{
				ID:        variantID,
				Variant:   variant,
				Sites:     variantSites[variant],
				HasReturn: variantReturn[variant],
			})
		}

		if cache != nil {
			sites := make([]sitecache.Site, len(q.Sites))
			for i, s := range q.Sites {
				sites[i] = sitecache.Site{GlobalAddress: s.GlobalAddress, Specifier: s.Specifier, Return: s.Return}
			}
			if err := cache.Store(ctx, buildID, pattern, sessionID, sites); err != nil {
				logger.Warn("failed to persist resolution cache entry", "probe", probe.Name, "error", err)
			}
		}
	}

	emitter, err := emit.New(logger)
	if err != nil {
		return nil, err
	}
	generated, err := emitter.Emit(unit)
	if err != nil {
		return nil, fmt.Errorf("emit translation unit: %w", err)
	}

	return &Result{
		GeneratedC:   generated,
		Report:       report.String(),
		SiteCount:    siteTotal,
		VariantCount: len(unit.Variants),
	}, nil
}

func retSuffix(isReturn bool) string {
	if isReturn {
		return " (return)"
	}
	return ""
}

// specifierKey renders a probe's raw specifier map into a stable string
// usable as a sitecache pattern key.
func specifierKey(raw map[string]string) string {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sortStrings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(raw[k])
	}
	return b.String()
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
