package exports

import (
	"fmt"
	"slices"

	"github.com/Binject/debug/pe"
)

// Mismatch is a named export whose RVA differs between the manual table and the
// reference parser, or that only one of them knows about.
type Mismatch struct {
	Name string
	Want uint32 // reference parser
	Got  uint32 // manual table, first entry with Name
	// Missing is set when the manual table has no entry for Name.
	Missing bool
}

func (m Mismatch) String() string {
	if m.Missing {
		return fmt.Sprintf("%s: missing (reference rva 0x%x)", m.Name, m.Want)
	}
	return fmt.Sprintf("%s: rva 0x%x, reference rva 0x%x", m.Name, m.Got, m.Want)
}

// Verify re-reads the image at path with github.com/Binject/debug/pe and reports every
// named export that t lacks or maps to a different RVA. Duplicate names match if any of
// their entries agrees.
func Verify(path string, t *Table) ([]Mismatch, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s with reference parser: %w", path, err)
	}
	defer f.Close()

	refs, err := f.Exports()
	if err != nil {
		return nil, fmt.Errorf("reference exports of %s: %w", path, err)
	}

	rvas := make(map[string][]uint32)
	for i, e := range t.Entries {
		if e.Name != "" {
			rvas[e.Name] = append(rvas[e.Name], t.RVA(i))
		}
	}

	var mismatches []Mismatch
	for _, ref := range refs {
		if ref.Name == "" {
			continue
		}
		name := Normalize(ref.Name)
		got, ok := rvas[name]
		if !ok {
			mismatches = append(mismatches, Mismatch{Name: name, Want: ref.VirtualAddress, Missing: true})
			continue
		}
		if !slices.Contains(got, ref.VirtualAddress) {
			mismatches = append(mismatches, Mismatch{Name: name, Want: ref.VirtualAddress, Got: got[0]})
		}
	}
	return mismatches, nil
}
