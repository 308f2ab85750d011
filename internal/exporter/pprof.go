package exporter

import (
	"compress/gzip"
	"io"
	"sort"
	"time"

	"github.com/google/pprof/profile"

	"github.com/VladMinzatu/modsyms/internal/symbolizer"
)

// BuildPprofProfile turns a symbol snapshot of the library at path into a pprof
// profile: one location and function per export and one sample of value 1 each, so
// `pprof -symbolize=none -traces` lists exactly the resolved table.
func BuildPprofProfile(symbols []symbolizer.Symbol, path string, now time.Time) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "exports", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "exports", Unit: "count"},
		Period:     1,
		TimeNanos:  now.UnixNano(),
	}
	if len(symbols) == 0 {
		return p
	}

	sorted := sortedByAddr(symbols)
	mapping := &profile.Mapping{
		ID:           1,
		Start:        sorted[0].Addr,
		Limit:        sorted[len(sorted)-1].Addr + 1,
		File:         path,
		HasFunctions: true,
	}
	p.Mapping = []*profile.Mapping{mapping}

	funcs := map[string]*profile.Function{}
	locMap := map[uint64]*profile.Location{}

	addFunction := func(name string) *profile.Function {
		if f, ok := funcs[name]; ok {
			return f
		}
		fn := &profile.Function{
			ID:         uint64(len(p.Function) + 1),
			Name:       name,
			SystemName: name,
			Filename:   path,
		}
		funcs[name] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	for _, sym := range sorted {
		fn := addFunction(sym.Name)
		loc, ok := locMap[sym.Addr]
		if !ok {
			loc = &profile.Location{
				ID:      uint64(len(p.Location) + 1),
				Mapping: mapping,
				Address: sym.Addr,
			}
			locMap[sym.Addr] = loc
			p.Location = append(p.Location, loc)
		}
		// aliases share one location and become extra lines on it
		loc.Line = append(loc.Line, profile.Line{Function: fn})

		p.Sample = append(p.Sample, &profile.Sample{
			Value:    []int64{1},
			Location: []*profile.Location{loc},
			Label:    map[string][]string{"symbol": {sym.Name}},
		})
	}
	return p
}

func WriteProfileGzip(p *profile.Profile, w io.Writer) error {
	gw := gzip.NewWriter(w)
	if err := p.WriteUncompressed(gw); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

// sortedByAddr returns a copy of symbols ordered by address, ties kept in input order.
func sortedByAddr(symbols []symbolizer.Symbol) []symbolizer.Symbol {
	out := make([]symbolizer.Symbol, len(symbols))
	copy(out, symbols)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}
