package symbolizer

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

type MapRegion struct {
	Start, End uint64
	Offset     uint64
	Perms      string
	Path       string
}

type MapsReader interface {
	ReadLines() ([]string, error)
}

type ProcMapsReader struct {
	Path string
}

func NewSelfMapsReader() *ProcMapsReader {
	return &ProcMapsReader{Path: "/proc/self/maps"}
}

func (p *ProcMapsReader) ReadLines() ([]string, error) {
	slog.Debug("Reading memory mappings", "path", p.Path)
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

type procMaps struct {
	mapReader MapsReader

	mu      sync.RWMutex
	regions []MapRegion
}

func NewProcMaps(mapReader MapsReader) (*procMaps, error) {
	p := &procMaps{mapReader: mapReader}
	err := p.Refresh()
	if err != nil {
		return nil, err
	}
	return p, nil
}

// TODO: maps should be in order so we could optimize to a binary search or use a tree
func (m *procMaps) FindRegion(addr uint64) *MapRegion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.regions {
		if addr >= r.Start && addr < r.End {
			return &r
		}
	}
	return nil
}

// FindMapping returns the mapping of file offset 0 of path, i.e. where the image
// header was mapped. Symlinks in path are resolved before comparing.
func (m *procMaps) FindMapping(path string) *MapRegion {
	want := map[string]bool{filepath.Clean(path): true}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		want[resolved] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.regions {
		if r.Offset == 0 && want[r.Path] {
			return &r
		}
	}
	return nil
}

func (m *procMaps) Refresh() error {
	lines, err := m.mapReader.ReadLines()
	if err != nil {
		return err
	}
	return m.parseMaps(lines)
}

func (m *procMaps) parseMaps(lines []string) error {
	var regions []MapRegion
	for _, line := range lines {
		if line == "" {
			continue
		}
		entry, err := parseMapEntry(line)
		if err != nil {
			slog.Warn("Failed to parse map entry", "line", line, "error", err)
			continue
		}
		regions = append(regions, entry)
	}
	m.mu.Lock()
	m.regions = regions
	m.mu.Unlock()
	return nil
}

// Example format:
//
//	55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog
func parseMapEntry(line string) (MapRegion, error) {
	parts := strings.Fields(line)
	if len(parts) < 5 {
		return MapRegion{}, fmt.Errorf("not enough fields: %d in line \"%s\"", len(parts), line)
	}
	addr := parts[0]
	perms := parts[1]
	off := parts[2]
	// pathname is optional and may be in parts[5:] - may contain spaces, mind you!
	var path string
	if len(parts) >= 6 {
		path = strings.Join(parts[5:], " ")
	}
	se := strings.SplitN(addr, "-", 2)
	if len(se) != 2 {
		return MapRegion{}, fmt.Errorf("invalid address range format in line %s", line)
	}
	start, err1 := strconv.ParseUint(se[0], 16, 64)
	end, err2 := strconv.ParseUint(se[1], 16, 64)
	offv, err3 := strconv.ParseUint(off, 16, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return MapRegion{}, fmt.Errorf("failed to parse numeric addresses in line %s", line)
	}
	return MapRegion{Start: start, End: end, Offset: offv, Perms: perms, Path: path}, nil
}
