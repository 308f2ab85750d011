package exports

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "?Foo@@YAXXZ", want: "Foo"},
		{raw: "GiveFnptrsToDll", want: "GiveFnptrsToDll"},
		{raw: "?RampThink@CAmbientGeneric@@QAEXXZ", want: "RampThink@CAmbientGeneric"},
		{raw: "?OnlyLeading", want: "OnlyLeading"},
		{raw: "Trailing@@", want: "Trailing"},
		{raw: "single@at", want: "single@at"},
		{raw: "??0CBaseEntity@@QAE@XZ", want: "?0CBaseEntity"},
		{raw: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := Normalize(tt.raw); got != tt.want {
				t.Fatalf("Normalize(%q): want %q got %q", tt.raw, tt.want, got)
			}
		})
	}
}
