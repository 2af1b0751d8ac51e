package formula_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxmcd/zb/formula"
)

func TestEffectiveVersionIgnoresRebuild(t *testing.T) {
	f := formula.Formula{
		Versions: formula.Versions{Stable: "1.2.3"},
		Revision: 2,
		Bottle:   formula.Bottle{Stable: formula.BottleStable{Rebuild: 9}},
	}
	assert.Equal(t, "1.2.3_2", f.EffectiveVersion())

	f.Revision = 0
	assert.Equal(t, "1.2.3", f.EffectiveVersion())
}

func TestIsKegOnly(t *testing.T) {
	cases := []struct {
		name string
		f    formula.Formula
		want bool
	}{
		{"versioned name always keg-only", formula.Formula{Name: "postgresql@15"}, true},
		{"plain name not keg-only by default", formula.Formula{Name: "wget"}, false},
		{"explicit keg-only flag", formula.Formula{Name: "openssl", KegOnly: formula.KegOnly{State: formula.KegOnlyYes}}, true},
		{"keg-only with reason", formula.Formula{Name: "icu4c", KegOnly: formula.KegOnly{State: formula.KegOnlyReason, Reason: "..."}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.f.IsKegOnly())
		})
	}
}

func TestToken(t *testing.T) {
	cases := map[string]string{
		"wget":                     "wget",
		"hashicorp/tap/terraform":  "terraform",
		"hashicorp/tap/terraform/": "terraform",
		"///":                      "",
		"":                         "",
	}
	for input, want := range cases {
		assert.Equal(t, want, formula.Token(input), "Token(%q)", input)
	}
}

func TestAllBuildDependencies(t *testing.T) {
	f := formula.Formula{
		BuildDeps:     []string{"cmake"},
		UsesFromMacos: []formula.UsesFromMacos{{Name: "zlib", Context: "build"}},
	}
	assert.Equal(t, []string{"cmake"}, f.AllBuildDependencies("darwin"))
	assert.Equal(t, []string{"cmake", "zlib"}, f.AllBuildDependencies("linux"))
}

func TestUnmarshalKegOnlyShapes(t *testing.T) {
	cases := []struct {
		json string
		want formula.KegOnlyState
	}{
		{`{"name":"a","keg_only":true}`, formula.KegOnlyYes},
		{`{"name":"a","keg_only":false}`, formula.KegOnlyNo},
		{`{"name":"a","keg_only":"because reasons"}`, formula.KegOnlyReason},
		{`{"name":"a"}`, formula.KegOnlyNo},
	}
	for _, tc := range cases {
		var f formula.Formula
		require.NoError(t, json.Unmarshal([]byte(tc.json), &f), tc.json)
		assert.Equal(t, tc.want, f.KegOnly.State, tc.json)
	}
}

func TestUnmarshalUsesFromMacos(t *testing.T) {
	var f formula.Formula
	err := json.Unmarshal([]byte(`{"name":"a","uses_from_macos":["libxml2",{"zlib":"build"}]}`), &f)
	require.NoError(t, err)
	require.Len(t, f.UsesFromMacos, 2)
	assert.Equal(t, "libxml2", f.UsesFromMacos[0].Name)
	assert.Equal(t, "runtime", f.UsesFromMacos[0].Context)
	assert.Equal(t, "zlib", f.UsesFromMacos[1].Name)
	assert.Equal(t, "build", f.UsesFromMacos[1].Context)
}
