package exports

import (
	"errors"
	"fmt"
)

var (
	ErrIO           = errors.New("i/o error")
	ErrFormat       = errors.New("malformed PE image")
	ErrBadSignature = fmt.Errorf("%w: bad PE signature", ErrFormat)
	ErrNoExports    = fmt.Errorf("%w: no export directory", ErrFormat)
)

// Entry is one named export. Ordinal indexes Table.Functions.
type Entry struct {
	Name    string
	Ordinal uint16
}

// Table mirrors the on-disk export directory: one Entry per name-table slot, in
// name-table order, and the full function RVA array (named or not).
// Names that normalize to the same string are all kept.
type Table struct {
	Entries   []Entry
	Functions []uint32
	// OrdinalBase is the export directory Base; exported ordinal = index + base.
	OrdinalBase uint32
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Entries)
}

func (t *Table) Names() []string {
	if t == nil {
		return nil
	}
	names := make([]string, len(t.Entries))
	for i, e := range t.Entries {
		names[i] = e.Name
	}
	return names
}

func (t *Table) Ordinals() []uint16 {
	if t == nil {
		return nil
	}
	ords := make([]uint16, len(t.Entries))
	for i, e := range t.Entries {
		ords[i] = e.Ordinal
	}
	return ords
}

// RVA returns the on-disk relative address of the i-th named export.
func (t *Table) RVA(i int) uint32 {
	return t.Functions[t.Entries[i].Ordinal]
}

// Index returns the position of the first entry named name. Empty names never match.
func (t *Table) Index(name string) (int, bool) {
	if t == nil || name == "" {
		return -1, false
	}
	for i, e := range t.Entries {
		if e.Name == name {
			return i, true
		}
	}
	return -1, false
}

// IndexOfRVA returns the position of the first named entry whose function RVA is rva.
func (t *Table) IndexOfRVA(rva uint32) (int, bool) {
	if t == nil {
		return -1, false
	}
	for i, e := range t.Entries {
		if e.Name != "" && t.Functions[e.Ordinal] == rva {
			return i, true
		}
	}
	return -1, false
}

func (t *Table) validate() error {
	if len(t.Entries) > len(t.Functions) {
		return fmt.Errorf("%w: %d names for %d functions", ErrFormat, len(t.Entries), len(t.Functions))
	}
	for i, e := range t.Entries {
		if int(e.Ordinal) >= len(t.Functions) {
			return fmt.Errorf("%w: ordinal %d of name %d out of range (%d functions)", ErrFormat, e.Ordinal, i, len(t.Functions))
		}
	}
	return nil
}
