package exports

import "strings"

// Normalize strips MSVC decoration from an exported name: a leading '?' is dropped
// and everything from the first "@@" on (the encoded signature) is cut.
//
//	?Foo@@YAXXZ       -> Foo
//	?Think@CBaseEntity@@QAEXXZ -> Think@CBaseEntity
//	GiveFnptrsToDll   -> GiveFnptrsToDll
func Normalize(raw string) string {
	name := strings.TrimPrefix(raw, "?")
	if i := strings.Index(name, "@@"); i >= 0 {
		name = name[:i]
	}
	return name
}
