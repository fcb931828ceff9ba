package signal

import "testing"

func TestFamilyOrDefault(t *testing.T) {
	if got := FamilyOrDefault(""); got != FamilyVideo {
		t.Errorf("FamilyOrDefault(\"\") = %q, want %q", got, FamilyVideo)
	}
	if got := FamilyOrDefault(FamilyScreen); got != FamilyScreen {
		t.Errorf("FamilyOrDefault(screen) = %q, want %q", got, FamilyScreen)
	}
}
