package exporter

import (
	"testing"

	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"

	"github.com/VladMinzatu/modsyms/internal/symbolizer"
)

func mustMarshal(t *testing.T, m proto.Message) []byte {
	t.Helper()
	b, err := proto.Marshal(m)
	if err != nil {
		t.Fatalf("failed to marshal proto: %v", err)
	}
	return b
}

func expectedResource(path string, profile *profilespb.Profile) *profilespb.ResourceProfiles {
	return &profilespb.ResourceProfiles{
		Resource: &resourceV1.Resource{
			Attributes: []*v1.KeyValue{
				{Key: "library.path", Value: &v1.AnyValue{Value: &v1.AnyValue_StringValue{StringValue: path}}},
			},
		},
		ScopeProfiles: []*profilespb.ScopeProfiles{
			{
				Scope:    &v1.InstrumentationScope{Name: "modsyms", Version: "v1"},
				Profiles: []*profilespb.Profile{profile},
			},
		},
	}
}

func TestBuildOltpProfile_Basic(t *testing.T) {
	nowValue := uint64(9999999999)
	path := "/games/valve/dlls/hl.dll"

	symbols := []symbolizer.Symbol{
		{Name: "monster_zombie", Addr: 0x10003000},
		{Name: "GiveFnptrsToDll", Addr: 0x10001000},
		// alias of monster_zombie
		{Name: "monster_zombie_alias", Addr: 0x10003000},
	}

	got := BuildOltpProfile(symbols, path, func() uint64 { return nowValue })

	expectedStringTable := []string{"", "exports", "count", path, "GiveFnptrsToDll", "monster_zombie", "monster_zombie_alias"}
	expectedMappingTable := []*profilespb.Mapping{
		{},
		{MemoryStart: 0x10001000, MemoryLimit: 0x10003001, FilenameStrindex: 3},
	}
	expectedFunctionTable := []*profilespb.Function{
		{},
		{NameStrindex: 4, SystemNameStrindex: 4},
		{NameStrindex: 5, SystemNameStrindex: 5},
		{NameStrindex: 6, SystemNameStrindex: 6},
	}
	expectedLocationTable := []*profilespb.Location{
		{},
		{Address: 0x10001000, MappingIndex: 1, Lines: []*profilespb.Line{{FunctionIndex: 1, Line: 0}}},
		{Address: 0x10003000, MappingIndex: 1, Lines: []*profilespb.Line{{FunctionIndex: 2, Line: 0}}},
		{Address: 0x10003000, MappingIndex: 1, Lines: []*profilespb.Line{{FunctionIndex: 3, Line: 0}}},
	}
	expectedStackTable := []*profilespb.Stack{
		{},
		{LocationIndices: []int32{1}},
		{LocationIndices: []int32{2}},
		{LocationIndices: []int32{3}},
	}

	var expectedSamples []*profilespb.Sample
	for i := int32(1); i <= 3; i++ {
		expectedSamples = append(expectedSamples, &profilespb.Sample{
			StackIndex:         i,
			Values:             []int64{1},
			AttributeIndices:   []int32{},
			LinkIndex:          0,
			TimestampsUnixNano: []uint64{nowValue},
		})
	}

	expectedProfile := &profilespb.Profile{
		TimeUnixNano: nowValue,
		DurationNano: uint64(0),
		SampleType:   &profilespb.ValueType{TypeStrindex: 1, UnitStrindex: 2},
		Samples:      expectedSamples,
	}

	expected := &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{expectedResource(path, expectedProfile)},
		Dictionary: &profilespb.ProfilesDictionary{
			MappingTable:  expectedMappingTable,
			LocationTable: expectedLocationTable,
			FunctionTable: expectedFunctionTable,
			StackTable:    expectedStackTable,
			StringTable:   expectedStringTable,
		},
	}

	if !proto.Equal(got, expected) {
		gotB := mustMarshal(t, got)
		wantB := mustMarshal(t, expected)
		t.Fatalf("ProfilesData proto mismatch\nGOT (len %d): %x\nWANT (len %d): %x", len(gotB), gotB, len(wantB), wantB)
	}
}

func TestBuildOltpProfile_Empty(t *testing.T) {
	nowValue := uint64(123456)
	path := "hl.dll"

	got := BuildOltpProfile(nil, path, func() uint64 { return nowValue })

	expectedProfile := &profilespb.Profile{
		TimeUnixNano: nowValue,
		DurationNano: uint64(0),
		SampleType:   &profilespb.ValueType{TypeStrindex: 1, UnitStrindex: 2},
		Samples:      []*profilespb.Sample{},
	}
	expected := &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{expectedResource(path, expectedProfile)},
		Dictionary: &profilespb.ProfilesDictionary{
			MappingTable:  []*profilespb.Mapping{{}},
			LocationTable: []*profilespb.Location{{}},
			FunctionTable: []*profilespb.Function{{}},
			StackTable:    []*profilespb.Stack{{}},
			StringTable:   []string{"", "exports", "count"},
		},
	}

	if !proto.Equal(got, expected) {
		gotB := mustMarshal(t, got)
		wantB := mustMarshal(t, expected)
		t.Fatalf("ProfilesData proto mismatch\nGOT (len %d): %x\nWANT (len %d): %x", len(gotB), gotB, len(wantB), wantB)
	}
}
