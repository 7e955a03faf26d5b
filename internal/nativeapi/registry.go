package nativeapi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// PluginSuffix is the file extension Registry.ScanDirectory looks for.
// Go's plugin package only loads ELF/Mach-O shared objects, so this is
// fixed rather than made a per-platform table (spec §4.3 leaves the
// suffix "platform-specific"; Linux .so is this runtime's target).
const PluginSuffix = ".so"

// ReportFunc delivers a severity-tagged message up to the host, the
// same channel a native module's Context.Report uses at runtime.
type ReportFunc func(severity ReportSeverity, message string)

// ListNativeLibrariesFunc is the Go-side shape of the single C entry
// point every plugin exports (spec §6.1: `ListNativeLibraries(ctx,
// cb)`). It is looked up by symbol name in .so plugins, and passed
// directly for in-process libraries that can't produce a real .so in
// this environment.
type ListNativeLibrariesFunc func(report ReportFunc, emit func(Library))

const entryPointSymbol = "ListNativeLibraries"

type registeredLibrary struct {
	Library
	ctx any
}

// Registry owns every loaded library's descriptors and initialized
// context, and serializes teardown in reverse load order (spec §4.3).
type Registry struct {
	mu     sync.Mutex
	report ReportFunc
	order  []*registeredLibrary
	byID   map[uuid.UUID]*registeredLibrary
	files  []*plugin.Plugin
}

func NewRegistry(report ReportFunc) *Registry {
	if report == nil {
		report = func(ReportSeverity, string) {}
	}
	return &Registry{report: report, byID: map[uuid.UUID]*registeredLibrary{}}
}

// ScanDirectory loads every PluginSuffix file in dir. An unreadable
// directory is reported and treated as an empty set, not a fatal error
// (spec §7: "Plugin directory unreadable" → warn, continue).
func (r *Registry) ScanDirectory(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		r.report(ReportWarning, fmt.Sprintf("nativeapi: reading plugin directory %q: %v", dir, err))
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != PluginSuffix {
			continue
		}
		path := filepath.Join(dir, e.Name())
		p, err := plugin.Open(path)
		if err != nil {
			r.report(ReportWarning, fmt.Sprintf("nativeapi: opening plugin %q: %v", path, err))
			continue
		}
		sym, err := p.Lookup(entryPointSymbol)
		if err != nil {
			r.report(ReportWarning, fmt.Sprintf("nativeapi: plugin %q has no %s entry point: %v", path, entryPointSymbol, err))
			continue
		}
		fn, ok := sym.(ListNativeLibrariesFunc)
		if !ok {
			if fnp, ok2 := sym.(*ListNativeLibrariesFunc); ok2 {
				fn = *fnp
			} else {
				r.report(ReportWarning, fmt.Sprintf("nativeapi: plugin %q entry point has unexpected type", path))
				continue
			}
		}
		r.files = append(r.files, p)
		r.invoke(fn)
	}
}

// RegisterInProcess invokes fn directly, as if it were a plugin's entry
// point, without any file load. This is how the bundled reference
// library (internal/nativelib/core) and tests register modules, since
// this environment never produces real .so build artifacts.
func (r *Registry) RegisterInProcess(fn ListNativeLibrariesFunc) {
	r.invoke(fn)
}

func (r *Registry) invoke(fn ListNativeLibrariesFunc) {
	fn(r.report, func(lib Library) {
		r.ingest(lib)
	})
}

// ingest deep-copies lib's strings and module list into registry-owned
// storage and rejects a duplicate id with a warning rather than an
// error (spec §4.3).
func (r *Registry) ingest(lib Library) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[lib.ID]; exists {
		r.report(ReportWarning, fmt.Sprintf("nativeapi: duplicate native library id %s, skipping", lib.ID))
		return
	}

	copied := lib
	copied.Name = string([]byte(lib.Name))
	copied.Modules = make([]Module, len(lib.Modules))
	for i, m := range lib.Modules {
		copied.Modules[i] = deepCopyModule(m)
	}

	entry := &registeredLibrary{Library: copied}
	r.byID[lib.ID] = entry
	r.order = append(r.order, entry)
}

func deepCopyModule(m Module) Module {
	m.Signature.Name = string([]byte(m.Signature.Name))
	params := make([]Parameter, len(m.Signature.Parameters))
	for i, p := range m.Signature.Parameters {
		p.Name = string([]byte(p.Name))
		params[i] = p
	}
	m.Signature.Parameters = params
	return m
}

// InitializeAll calls every registered library's Initialize hook
// concurrently and records the returned context. One library's
// Initialize failure does not prevent the others from completing; the
// first error observed is returned after all have finished.
func (r *Registry) InitializeAll(ctx context.Context) error {
	r.mu.Lock()
	libs := append([]*registeredLibrary(nil), r.order...)
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, lib := range libs {
		lib := lib
		if lib.Initialize == nil {
			continue
		}
		g.Go(func() error {
			lctx, err := lib.Initialize()
			if err != nil {
				return fmt.Errorf("nativeapi: initializing library %s: %w", lib.ID, err)
			}
			r.mu.Lock()
			lib.ctx = lctx
			r.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// TryGet looks up a library by id via linear scan (spec §4.3: N is
// small, ≪ 100, so this beats maintaining a second index structure).
func (r *Registry) TryGet(id uuid.UUID) (Library, any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, lib := range r.order {
		if lib.ID == id {
			return lib.Library, lib.ctx, true
		}
	}
	return Library{}, nil, false
}

// Close calls every Deinitialize hook in reverse load order, then
// drops the loaded plugin handles (spec §4.3).
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		lib := r.order[i]
		if lib.Deinitialize != nil {
			lib.Deinitialize(lib.ctx)
		}
	}
	r.order = nil
	r.byID = map[uuid.UUID]*registeredLibrary{}
	r.files = nil
}
