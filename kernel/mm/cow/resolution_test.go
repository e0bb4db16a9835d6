package cow

import (
	"testing"

	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
)

func TestResolution(t *testing.T) {
	specs := []struct {
		res        Resolution
		expGranted bool
		expTouched int
		expString  string
	}{
		{InPlace(mm.Frame(0x10)), true, 1, "granted in place (frame 0x10)"},
		{Copied(mm.Frame(0x20)), true, 1, "granted copy (frame 0x20)"},
		{Terminate(pmm.ErrOutOfMemory), false, 0, "fatal: out of physical memory"},
	}

	for specIndex, spec := range specs {
		if got := spec.res.Granted(); got != spec.expGranted {
			t.Errorf("[spec %d] expected Granted() to return %t; got %t", specIndex, spec.expGranted, got)
		}

		if got := spec.res.FramesTouched(); got != spec.expTouched {
			t.Errorf("[spec %d] expected FramesTouched() to return %d; got %d", specIndex, spec.expTouched, got)
		}

		if got := spec.res.String(); got != spec.expString {
			t.Errorf("[spec %d] expected String() to return %q; got %q", specIndex, spec.expString, got)
		}
	}
}
