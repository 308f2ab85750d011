package symbolizer

import (
	"fmt"
	"log/slog"
)

// StaticLocator reports a known anchor address, e.g. one printed by the host.
type StaticLocator struct {
	Addr uint64
}

func (s StaticLocator) Locate(path string, anchor string, rva uint32) (uint64, error) {
	return s.Addr, nil
}

// MapsLocator finds where the library's image header was mapped in this process
// and adds the anchor RVA to it. It needs no loader API, only a mapping of the file
// at offset 0, as produced by PE loaders that map images from disk.
type MapsLocator struct {
	maps ProcMapsProvider
}

func NewMapsLocator(maps ProcMapsProvider) *MapsLocator {
	return &MapsLocator{maps: maps}
}

func (m *MapsLocator) Locate(path string, anchor string, rva uint32) (uint64, error) {
	if err := m.maps.Refresh(); err != nil {
		return 0, fmt.Errorf("refresh mappings: %w", err)
	}
	r := m.maps.FindMapping(path)
	if r == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotMapped, path)
	}
	addr := r.Start + uint64(rva)
	slog.Debug("Located anchor from mappings", "anchor", anchor, "image_base", r.Start, "addr", addr)
	return addr, nil
}
