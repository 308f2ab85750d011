package exports

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/VladMinzatu/modsyms/internal/pefixture"
)

func modImage() pefixture.Image {
	return pefixture.Image{
		Functions: []uint32{0x1000, 0x1010, 0x1020, 0x1030, 0x1040},
		Names: []pefixture.Name{
			{Name: "GiveFnptrsToDll", Ordinal: 0},
			{Name: "?Spawn@CBaseEntity@@QAEXXZ", Ordinal: 2},
			{Name: "?Foo@@YAXXZ", Ordinal: 3},
			{Name: "info_player_start", Ordinal: 4},
		},
	}
}

func TestExtract_EdataSection(t *testing.T) {
	path := pefixture.WriteFile(t, modImage())

	tab, err := Extract(path)
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	want := &Table{
		Entries: []Entry{
			{Name: "GiveFnptrsToDll", Ordinal: 0},
			{Name: "Spawn@CBaseEntity", Ordinal: 2},
			{Name: "Foo", Ordinal: 3},
			{Name: "info_player_start", Ordinal: 4},
		},
		Functions:   []uint32{0x1000, 0x1010, 0x1020, 0x1030, 0x1040},
		OrdinalBase: 1,
	}
	if diff := cmp.Diff(want, tab); diff != "" {
		t.Fatalf("unexpected table (-want +got):\n%s", diff)
	}
	if tab.Len() != 4 {
		t.Fatalf("expected 4 entries, got %d", tab.Len())
	}
	if len(tab.Names()) != len(tab.Ordinals()) || len(tab.Ordinals()) > len(tab.Functions) {
		t.Fatalf("table invariant broken: names=%d ordinals=%d functions=%d", len(tab.Names()), len(tab.Ordinals()), len(tab.Functions))
	}
	if got := tab.RVA(2); got != 0x1030 {
		t.Fatalf("RVA(2): want 0x1030 got 0x%x", got)
	}
}

func TestExtract_SectionLayouts(t *testing.T) {
	tests := []struct {
		name        string
		sectionName string
		rva, raw    uint32
		pe32Plus    bool
	}{
		{name: "edata with diverging offsets", sectionName: ".edata", rva: 0x2000, raw: 0x400},
		{name: "rdata mapped at file offset", sectionName: ".rdata", rva: 0x400, raw: 0x400},
		{name: "rdata with diverging offsets", sectionName: ".rdata", rva: 0x3000, raw: 0x600},
		{name: "pe32+ image", sectionName: ".rdata", rva: 0x5000, raw: 0x400, pe32Plus: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := modImage()
			img.SectionName = tt.sectionName
			img.SectionRVA = tt.rva
			img.SectionRaw = tt.raw
			img.PE32Plus = tt.pe32Plus

			tab, err := Parse(bytes.NewReader(pefixture.Build(img)))
			if err != nil {
				t.Fatalf("Parse returned error: %v", err)
			}
			wantNames := []string{"GiveFnptrsToDll", "Spawn@CBaseEntity", "Foo", "info_player_start"}
			if diff := cmp.Diff(wantNames, tab.Names()); diff != "" {
				t.Fatalf("unexpected names (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]uint16{0, 2, 3, 4}, tab.Ordinals()); diff != "" {
				t.Fatalf("unexpected ordinals (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtract_DuplicateNormalizedNamesAreKept(t *testing.T) {
	img := pefixture.Image{
		Functions: []uint32{0x1000, 0x2000, 0x3000},
		Names: []pefixture.Name{
			{Name: "?Use@@YAXH@Z", Ordinal: 1},
			{Name: "?Use@@YAXM@Z", Ordinal: 2},
			{Name: "GiveFnptrsToDll", Ordinal: 0},
		},
	}
	tab, err := Parse(bytes.NewReader(pefixture.Build(img)))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if diff := cmp.Diff([]string{"Use", "Use", "GiveFnptrsToDll"}, tab.Names()); diff != "" {
		t.Fatalf("unexpected names (-want +got):\n%s", diff)
	}
	i, ok := tab.Index("Use")
	if !ok || i != 0 {
		t.Fatalf("Index(Use): want first entry, got %d %v", i, ok)
	}
}

func TestExtract_OrdinalOnlyFunctions(t *testing.T) {
	img := pefixture.Image{
		Functions: []uint32{0x1000, 0, 0x1200, 0x1300},
		Names:     []pefixture.Name{{Name: "GiveFnptrsToDll", Ordinal: 3}},
	}
	tab, err := Parse(bytes.NewReader(pefixture.Build(img)))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if tab.Len() != 1 || len(tab.Functions) != 4 {
		t.Fatalf("want 1 name and 4 functions, got %d and %d", tab.Len(), len(tab.Functions))
	}
	if tab.RVA(0) != 0x1300 {
		t.Fatalf("want rva 0x1300, got 0x%x", tab.RVA(0))
	}
}

func TestExtract_Errors(t *testing.T) {
	valid := pefixture.Build(modImage())

	badMZ := bytes.Clone(valid)
	badMZ[0] = 'Z'

	truncated := valid[:0x100]

	badOrdinal := pefixture.Build(pefixture.Image{
		Functions: []uint32{0x1000},
		Names:     []pefixture.Name{{Name: "A", Ordinal: 7}},
	})

	tooManyNames := pefixture.Build(pefixture.Image{
		Functions: []uint32{0x1000},
		Names:     []pefixture.Name{{Name: "A"}, {Name: "B"}},
	})

	noExports := bytes.Clone(valid)
	// PE32 data directory 0 sits 96 bytes into the optional header at 0x58
	binary.LittleEndian.PutUint32(noExports[0x58+96:], 0)

	badMagic := bytes.Clone(valid)
	binary.LittleEndian.PutUint16(badMagic[0x58:], 0x999)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "bad NT signature", data: pefixture.Build(pefixture.Image{NoSignature: true}), want: ErrBadSignature},
		{name: "bad DOS magic", data: badMZ, want: ErrBadSignature},
		{name: "bad signature is a format error", data: pefixture.Build(pefixture.Image{NoSignature: true}), want: ErrFormat},
		{name: "bad DOS magic is a format error", data: badMZ, want: ErrFormat},
		{name: "empty file", data: nil, want: ErrIO},
		{name: "truncated headers", data: truncated, want: ErrIO},
		{name: "ordinal out of range", data: badOrdinal, want: ErrFormat},
		{name: "more names than functions", data: tooManyNames, want: ErrFormat},
		{name: "no export directory", data: noExports, want: ErrNoExports},
		{name: "unknown optional header", data: badMagic, want: ErrFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tab, err := Parse(bytes.NewReader(tt.data))
			if err == nil {
				t.Fatalf("expected error, got table with %d entries", tab.Len())
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestExtract_MissingFile(t *testing.T) {
	_, err := Extract(filepath.Join(t.TempDir(), "nope.dll"))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

func TestExtract_UnreadableNameKeepsEntry(t *testing.T) {
	data := pefixture.Build(modImage())
	tab, err := Parse(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	// point the second name far past the end of the file
	namesRVA := binary.LittleEndian.Uint32(data[0x400+32:])
	namesOff := namesRVA - 0x2000 + 0x400
	binary.LittleEndian.PutUint32(data[namesOff+4:], 0x7fff0000)

	broken, err := Parse(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if broken.Len() != tab.Len() {
		t.Fatalf("entry count changed: want %d got %d", tab.Len(), broken.Len())
	}
	if broken.Entries[1].Name != "" {
		t.Fatalf("expected empty name for unreadable entry, got %q", broken.Entries[1].Name)
	}
	if _, ok := broken.Index(""); ok {
		t.Fatalf("empty names must never match")
	}
	if broken.Entries[2].Name != "Foo" {
		t.Fatalf("later entries must survive, got %q", broken.Entries[2].Name)
	}
}

func TestVerify_AgreesWithReferenceParser(t *testing.T) {
	path := pefixture.WriteFile(t, modImage())
	tab, err := Extract(path)
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	mismatches, err := Verify(path, tab)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("unexpected mismatches: %v", mismatches)
	}

	tab.Functions[tab.Entries[0].Ordinal] = 0xbad
	mismatches, err = Verify(path, tab)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].Name != "GiveFnptrsToDll" || mismatches[0].Got != 0xbad {
		t.Fatalf("expected one GiveFnptrsToDll mismatch, got %v", mismatches)
	}
}
