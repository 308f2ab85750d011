package symbolizer

import (
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/ianlancetaylor/demangle"
)

// NativeResolver is the pass-through used where the platform's own symbol data can
// see the library: every query reads the ELF symbol tables of the mapped file and
// the current mappings, like dlsym/dladdr. Nothing is cached between queries.
type NativeResolver struct {
	maps     ProcMapsProvider
	demangle bool

	mu   sync.Mutex
	path string
}

func NewNativeResolver(maps ProcMapsProvider, opts Options) *NativeResolver {
	return &NativeResolver{maps: maps, demangle: opts.Demangle}
}

// Load checks that path is mapped in this process and remembers it.
func (n *NativeResolver) Load(path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.path = ""

	if err := n.maps.Refresh(); err != nil {
		return fmt.Errorf("attach %s: %w", path, err)
	}
	if n.maps.FindMapping(path) == nil {
		return fmt.Errorf("attach %s: %w", path, ErrNotMapped)
	}
	n.path = path
	slog.Info("Attached library for native symbol lookups", "path", path)
	return nil
}

func (n *NativeResolver) Unload() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.path = ""
}

func (n *NativeResolver) attached() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

func (n *NativeResolver) AddressForName(name string) (uint64, bool) {
	if name == "" {
		return 0, false
	}
	syms, slide, ok := n.attachedSymbols()
	if !ok {
		return 0, false
	}
	for _, s := range syms {
		if !defined(s) {
			continue
		}
		if s.Name == name || (n.demangle && n.displayName(s.Name) == name) {
			return s.Value + slide, true
		}
	}
	return 0, false
}

// Symbols lists the defined function symbols of the attached library at their
// current addresses.
func (n *NativeResolver) Symbols() []Symbol {
	syms, slide, ok := n.attachedSymbols()
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var out []Symbol
	for _, s := range syms {
		if !defined(s) || elf.ST_TYPE(s.Info) != elf.STT_FUNC || seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		out = append(out, Symbol{Name: n.displayName(s.Name), Addr: s.Value + slide})
	}
	return out
}

// attachedSymbols reads the symbol tables of the attached library and the slide of
// its current mapping.
func (n *NativeResolver) attachedSymbols() ([]elf.Symbol, uint64, bool) {
	path := n.attached()
	if path == "" {
		return nil, 0, false
	}
	if err := n.maps.Refresh(); err != nil {
		slog.Warn("Failed to refresh mappings", "error", err)
		return nil, 0, false
	}
	m := n.maps.FindMapping(path)
	if m == nil {
		return nil, 0, false
	}

	ef, err := openELF(path)
	if err != nil {
		slog.Warn("Failed to open ELF", "path", path, "error", err)
		return nil, 0, false
	}
	defer ef.Close()

	syms, err := readElfSymbols(ef)
	if err != nil {
		slog.Debug("No ELF symbols", "path", path, "error", err)
		return nil, 0, false
	}
	return syms, computeSlide(ef, m), true
}

// NameForAddress resolves addr in whichever mapped file contains it and returns the
// symbol whose range covers addr.
func (n *NativeResolver) NameForAddress(addr uint64) (string, bool) {
	if n.attached() == "" {
		return "", false
	}
	if err := n.maps.Refresh(); err != nil {
		slog.Warn("Failed to refresh mappings", "error", err)
		return "", false
	}
	r := n.maps.FindRegion(addr)
	if r == nil || r.Path == "" || strings.HasPrefix(r.Path, "[") {
		return "", false
	}
	m := n.maps.FindMapping(r.Path)
	if m == nil {
		return "", false
	}

	ef, err := openELF(r.Path)
	if err != nil {
		slog.Debug("Failed to open ELF", "path", r.Path, "error", err)
		return "", false
	}
	defer ef.Close()

	syms, err := readElfSymbols(ef)
	if err != nil {
		return "", false
	}
	target := addr - computeSlide(ef, m)

	var best *elf.Symbol
	for i := range syms {
		s := &syms[i]
		if !defined(*s) || s.Value > target {
			continue
		}
		if s.Size > 0 && target >= s.Value+s.Size {
			continue
		}
		if best == nil || s.Value > best.Value {
			best = s
		}
	}
	if best == nil {
		return "", false
	}
	return n.displayName(best.Name), true
}

func (n *NativeResolver) displayName(name string) string {
	if !n.demangle {
		return name
	}
	return demangle.Filter(name, demangle.NoParams)
}

func defined(s elf.Symbol) bool {
	return s.Value != 0 && s.Section != elf.SHN_UNDEF && s.Name != ""
}

func openELF(path string) (*elf.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return ef, nil
}

func readElfSymbols(ef *elf.File) ([]elf.Symbol, error) {
	syms := make([]elf.Symbol, 0)
	if st, err := ef.Symbols(); err == nil {
		syms = append(syms, st...)
	} else if !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	if st, err := ef.DynamicSymbols(); err == nil {
		syms = append(syms, st...)
	} else if !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	if len(syms) == 0 {
		return nil, errors.New("no symbol tables available in ELF")
	}
	return syms, nil
}

// computeSlide is the difference between where the file's first page was mapped and
// the virtual address the ELF headers assign to it.
func computeSlide(ef *elf.File, m *MapRegion) uint64 {
	var first *elf.Prog
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if first == nil || prog.Vaddr < first.Vaddr {
			first = prog
		}
	}
	if first == nil {
		return 0
	}
	base := first.Vaddr - first.Off
	base &^= uint64(os.Getpagesize() - 1)
	return m.Start - base
}
