package symbolizer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/VladMinzatu/modsyms/internal/exports"
)

// BaseOffset maps on-disk RVAs to loaded addresses: loaded = rva + offset.
// Arithmetic wraps, so an image loaded below its RVAs still works.
type BaseOffset uint64

func ComputeBaseOffset(loaded uint64, rva uint32) BaseOffset {
	return BaseOffset(loaded - uint64(rva))
}

func (b BaseOffset) Apply(rva uint32) uint64 {
	return uint64(rva) + uint64(b)
}

// Strip is the inverse of Apply. ok is false if addr cannot correspond to an RVA.
func (b BaseOffset) Strip(addr uint64) (rva uint32, ok bool) {
	v := addr - uint64(b)
	if v > math.MaxUint32 {
		return 0, false
	}
	return uint32(v), true
}

func (b BaseOffset) String() string {
	return fmt.Sprintf("%#x", int64(b))
}

// Directory resolves names and addresses of one attached library from its own export
// table, for libraries the OS loader cannot introspect. One Load starts a session,
// Unload (or the next Load) ends it.
type Directory struct {
	anchor    string
	locator   AnchorLocator
	extractor TableExtractor

	mu     sync.RWMutex
	path   string
	table  *exports.Table
	offset BaseOffset
}

func NewDirectory(opts Options) *Directory {
	return &Directory{
		anchor:    opts.anchor(),
		locator:   opts.Locator,
		extractor: ExtractorFunc(exports.Extract),
	}
}

func (d *Directory) Load(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unloadLocked()

	table, err := d.extractor.Extract(path)
	if err != nil {
		return fmt.Errorf("load symbols of %s: %w", path, err)
	}

	i, ok := table.Index(d.anchor)
	if !ok {
		return fmt.Errorf("load symbols of %s: %w: %s", path, ErrAnchorNotFound, d.anchor)
	}
	if d.locator == nil {
		return fmt.Errorf("load symbols of %s: %w: no anchor locator", path, ErrAnchorUnresolved)
	}
	rva := table.RVA(i)
	loaded, err := d.locator.Locate(path, d.anchor, rva)
	if err != nil {
		return fmt.Errorf("load symbols of %s: %w: %w", path, ErrAnchorUnresolved, err)
	}

	d.path = path
	d.table = table
	d.offset = ComputeBaseOffset(loaded, rva)
	slog.Info("Loaded export table", "path", path, "entries", table.Len(), "anchor", d.anchor, "base_offset", d.offset.String())
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		for j, e := range table.Entries {
			slog.Debug("Resolved export", "name", e.Name, "addr", d.offset.Apply(table.RVA(j)))
		}
	}
	return nil
}

// Unload drops the session. Safe to call at any time.
func (d *Directory) Unload() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unloadLocked()
}

func (d *Directory) unloadLocked() {
	if d.table != nil {
		slog.Debug("Unloading export table", "path", d.path, "entries", d.table.Len())
	}
	d.path = ""
	d.table = nil
	d.offset = 0
}

// AddressForName returns the loaded address of the first export named exactly name.
func (d *Directory) AddressForName(name string) (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	i, ok := d.table.Index(name)
	if !ok {
		slog.Debug("FunctionFromName: not found", "name", name)
		return 0, false
	}
	addr := d.offset.Apply(d.table.RVA(i))
	slog.Debug("FunctionFromName: found", "name", name, "addr", addr)
	return addr, true
}

// NameForAddress returns the name of the first export at addr. When several names
// alias one function the earliest in the name table wins.
func (d *Directory) NameForAddress(addr uint64) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.table == nil {
		return "", false
	}
	rva, ok := d.offset.Strip(addr)
	if !ok {
		return "", false
	}
	i, ok := d.table.IndexOfRVA(rva)
	if !ok {
		slog.Debug("NameForFunction: not found", "addr", addr)
		return "", false
	}
	name := d.table.Entries[i].Name
	slog.Debug("NameForFunction: found", "addr", addr, "name", name)
	return name, true
}

func (d *Directory) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.table != nil
}

func (d *Directory) Path() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.path
}

func (d *Directory) BaseOffset() BaseOffset {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.offset
}

// Table returns the loaded export table; it must not be modified.
func (d *Directory) Table() *exports.Table {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.table
}

// Symbols returns every named export with its loaded address, in table order.
func (d *Directory) Symbols() []Symbol {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.table == nil {
		return nil
	}
	syms := make([]Symbol, 0, d.table.Len())
	for i, e := range d.table.Entries {
		if e.Name == "" {
			continue
		}
		syms = append(syms, Symbol{Name: e.Name, Addr: d.offset.Apply(d.table.RVA(i))})
	}
	return syms
}
