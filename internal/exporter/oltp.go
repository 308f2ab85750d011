package exporter

import (
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/VladMinzatu/modsyms/internal/symbolizer"
)

type NowFunc func() uint64 // produces unix nsec

// BuildOltpProfile encodes a symbol snapshot of the library at path as an OTLP
// profiles document. Every export gets one single-frame stack and one sample.
func BuildOltpProfile(symbols []symbolizer.Symbol, path string, now NowFunc) *profilespb.ProfilesData {
	nowNsec := now()
	stringTable := []string{""}
	mappingTable := []*profilespb.Mapping{{}}
	locationTable := []*profilespb.Location{{}}
	functionTable := []*profilespb.Function{{}}
	stackTable := []*profilespb.Stack{{}}

	sampleType := &profilespb.ValueType{
		TypeStrindex: strIndex(&stringTable, "exports"),
		UnitStrindex: strIndex(&stringTable, "count"),
	}

	sorted := sortedByAddr(symbols)
	mappingIdx := int32(0)
	if len(sorted) > 0 {
		mappingTable = append(mappingTable, &profilespb.Mapping{
			MemoryStart:      sorted[0].Addr,
			MemoryLimit:      sorted[len(sorted)-1].Addr + 1,
			FilenameStrindex: strIndex(&stringTable, path),
		})
		mappingIdx = int32(len(mappingTable) - 1)
	}

	funcIdx := map[string]int32{}
	profileSamples := make([]*profilespb.Sample, 0, len(sorted))
	for _, sym := range sorted {
		fnIdx, ok := funcIdx[sym.Name]
		if !ok {
			nameIdx := strIndex(&stringTable, sym.Name)
			functionTable = append(functionTable, &profilespb.Function{
				NameStrindex:       nameIdx,
				SystemNameStrindex: nameIdx,
			})
			fnIdx = int32(len(functionTable) - 1)
			funcIdx[sym.Name] = fnIdx
		}

		locationTable = append(locationTable, &profilespb.Location{
			Address:      sym.Addr,
			MappingIndex: mappingIdx,
			Lines: []*profilespb.Line{
				{
					FunctionIndex: fnIdx,
					Line:          0,
				},
			},
		})
		stackTable = append(stackTable, &profilespb.Stack{
			LocationIndices: []int32{int32(len(locationTable) - 1)},
		})

		profileSamples = append(profileSamples, &profilespb.Sample{
			StackIndex:         int32(len(stackTable) - 1),
			Values:             []int64{1},
			AttributeIndices:   []int32{},
			LinkIndex:          0,
			TimestampsUnixNano: []uint64{nowNsec},
		})
	}

	profile := &profilespb.Profile{
		TimeUnixNano: nowNsec,
		DurationNano: uint64(0),
		SampleType:   sampleType,
		Samples:      profileSamples,
	}

	resourceProfiles := &profilespb.ResourceProfiles{
		Resource: &resourceV1.Resource{
			Attributes: []*v1.KeyValue{
				{
					Key:   "library.path",
					Value: &v1.AnyValue{Value: &v1.AnyValue_StringValue{StringValue: path}},
				},
			},
		},
		ScopeProfiles: []*profilespb.ScopeProfiles{
			{
				Scope: &v1.InstrumentationScope{
					Name:    "modsyms",
					Version: "v1",
				},
				Profiles: []*profilespb.Profile{profile},
			},
		},
	}

	dictionary := &profilespb.ProfilesDictionary{
		MappingTable:  mappingTable,
		LocationTable: locationTable,
		FunctionTable: functionTable,
		StackTable:    stackTable,
		StringTable:   stringTable,
	}

	return &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{resourceProfiles},
		Dictionary:       dictionary,
	}
}

func strIndex(table *[]string, s string) int32 {
	for i, v := range *table {
		if v == s {
			return int32(i)
		}
	}
	*table = append(*table, s)
	return int32(len(*table) - 1)
}
