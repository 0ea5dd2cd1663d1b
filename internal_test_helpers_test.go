package elfpatch

import (
	"testing"

	"github.com/appsworld/elfpatch/elfimg"
	"github.com/appsworld/elfpatch/internal/fixture"
)

func mustElfImage(t *testing.T, raw []byte) *elfimg.Image {
	t.Helper()
	im, err := elfimg.NewImage(raw)
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	return im
}

// elfFixtureWithDynString builds a fixture whose DT_SONAME value is name,
// for white-box tests of strtab.go / dynseg.go that need a real DT_STRTAB
// to request strings against.
func elfFixtureWithDynString(t *testing.T, name string) []byte {
	t.Helper()
	return fixture.Build(fixture.Config{
		Dyn: []fixture.Dyn{{Tag: 14 /* DT_SONAME */, Str: name}},
	})
}
