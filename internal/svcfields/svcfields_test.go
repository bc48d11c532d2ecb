package svcfields

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	cases := map[string][]string{
		"":                      nil,
		"storage":               {"storage"},
		"storage.memory":        {"storage", "", ".memory."},
		"behavior.repository.x": {" behavior.repository ", "x"},
	}
	for want, parts := range cases {
		if got := Subsystem(parts...); got != want {
			t.Fatalf("Subsystem(%q)=%q want %q", parts, got, want)
		}
	}
}

func TestWithSubsystemToleratesNilLogger(t *testing.T) {
	if WithSubsystem(nil, Repository) == nil {
		t.Fatal("expected non-nil logger")
	}
}
