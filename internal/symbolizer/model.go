package symbolizer

import (
	"errors"

	"github.com/VladMinzatu/modsyms/internal/exports"
)

// DefaultAnchor is exported by every mod library: the engine hands it its function
// table before anything else is called.
const DefaultAnchor = "GiveFnptrsToDll"

var (
	ErrAnchorNotFound   = errors.New("anchor symbol not exported")
	ErrAnchorUnresolved = errors.New("anchor symbol address unavailable")
	ErrNotMapped        = errors.New("library not mapped in this process")
	ErrNotLoaded        = errors.New("no library loaded")
)

type Symbol struct {
	Name string
	Addr uint64
}

// Resolver answers the engine's two symbol queries for one attached library.
// Queries never fail; a miss returns the zero value and false.
type Resolver interface {
	Load(path string) error
	Unload()
	AddressForName(name string) (uint64, bool)
	NameForAddress(addr uint64) (string, bool)
	// Symbols lists the named functions of the loaded library with their addresses.
	Symbols() []Symbol
}

// AnchorLocator returns the loaded address of the anchor export of the library at
// path. rva is the anchor's on-disk relative address, for locators that only know
// where the image starts.
type AnchorLocator interface {
	Locate(path string, anchor string, rva uint32) (uint64, error)
}

type TableExtractor interface {
	Extract(path string) (*exports.Table, error)
}

type ExtractorFunc func(path string) (*exports.Table, error)

func (f ExtractorFunc) Extract(path string) (*exports.Table, error) { return f(path) }

type ProcMapsProvider interface {
	FindRegion(addr uint64) *MapRegion
	FindMapping(path string) *MapRegion
	Refresh() error
}

type Options struct {
	// Anchor defaults to DefaultAnchor.
	Anchor string
	// Locator overrides the platform anchor locator.
	Locator AnchorLocator
	// Manual selects the export-table directory on platforms whose own loader
	// could resolve symbols.
	Manual bool
	// Demangle makes the native resolver report and accept demangled names.
	Demangle bool
}

func (o Options) anchor() string {
	if o.Anchor == "" {
		return DefaultAnchor
	}
	return o.Anchor
}
