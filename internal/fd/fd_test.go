package fd

import "testing"

func TestAssignmentRoundTrip(t *testing.T) {
	cases := []Assignment{
		{Target: 3, Source: 7},
		{Target: 0, Source: 0},
		{Target: 235, Source: 11},
	}
	for _, c := range cases {
		s := c.String()
		got, err := ParseAssignment(s)
		if err != nil {
			t.Fatalf("ParseAssignment(%q): unexpected error: %v", s, err)
		}
		if got != c {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, c)
		}
	}
}

func TestParseAssignmentRejectsMissingEquals(t *testing.T) {
	bad := []string{"", "37", "abc"}
	for _, s := range bad {
		if _, err := ParseAssignment(s); err == nil {
			t.Errorf("ParseAssignment(%q): expected error, got none", s)
		}
	}
}

func TestMapRejectsDuplicates(t *testing.T) {
	m := NewMap()
	if err := m.Add(Assignment{Target: 3, Source: 7}); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if err := m.Add(Assignment{Target: 3, Source: 9}); err == nil {
		t.Errorf("expected duplicate-target error")
	}
	if err := m.Add(Assignment{Target: 4, Source: 7}); err == nil {
		t.Errorf("expected duplicate-source error")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}
