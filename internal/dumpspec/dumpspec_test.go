package dumpspec

import "testing"

func TestEmptySpecMatchesNothing(t *testing.T) {
	s := Parse("")
	if s.Enabled() {
		t.Error("expected empty dumpStep to be disabled")
	}
	if s.IsInDumpStep(5) {
		t.Error("expected empty dumpStep to match no step")
	}
}

func TestSingleSteps(t *testing.T) {
	s := Parse("3_7_42")
	if !s.Enabled() {
		t.Fatal("expected spec to be enabled")
	}
	for _, step := range []uint32{3, 7, 42} {
		if !s.IsInDumpStep(step) {
			t.Errorf("expected step %d to match", step)
		}
	}
	if s.IsInDumpStep(8) {
		t.Error("expected step 8 not to match")
	}
}

func TestRanges(t *testing.T) {
	s := Parse("10-20_100")
	if !s.IsInDumpStep(10) || !s.IsInDumpStep(15) || !s.IsInDumpStep(20) {
		t.Error("expected range 10-20 to match its bounds and interior")
	}
	if s.IsInDumpStep(21) {
		t.Error("expected 21 to fall outside the range")
	}
	if !s.IsInDumpStep(100) {
		t.Error("expected single step 100 to match")
	}
}

func TestMixedTokens(t *testing.T) {
	s := Parse("1_5-9_20")
	cases := map[uint32]bool{
		1: true, 5: true, 7: true, 9: true, 20: true,
		4: false, 10: false, 21: false,
	}
	for step, want := range cases {
		if got := s.IsInDumpStep(step); got != want {
			t.Errorf("step %d: got %v, want %v", step, got, want)
		}
	}
}

func TestInvalidTokenDisablesDump(t *testing.T) {
	s := Parse("3_notanumber_7")
	if s.Enabled() {
		t.Error("expected invalid token to disable the whole spec")
	}
	if s.IsInDumpStep(3) {
		t.Error("expected disabled spec to match nothing")
	}
}
