package severity

import "testing"

func TestFromModSecurity(t *testing.T) {
	cases := []struct {
		numeric int
		want    Level
	}{
		{0, Critical},
		{2, Critical},
		{3, Error},
		{4, Warning},
		{5, Notice},
		{9, Notice},
	}
	for _, c := range cases {
		if got := FromModSecurity(c.numeric); got != c.want {
			t.Errorf("FromModSecurity(%d) = %s, want %s", c.numeric, got, c.want)
		}
	}
}

func TestParseLevelUnknownFallsBackToNotice(t *testing.T) {
	if got := ParseLevel("bogus"); got != Notice {
		t.Errorf("ParseLevel(bogus) = %s, want NOTICE", got)
	}
	if got := ParseLevel(" critical "); got != Critical {
		t.Errorf("ParseLevel( critical ) = %s, want CRITICAL", got)
	}
}

func TestFilterAllowsAtOrAboveThreshold(t *testing.T) {
	f := ParseFilter("ERROR")
	if !f.Allows(Error) {
		t.Error("FilterError should allow ERROR")
	}
	if !f.Allows(Critical) {
		t.Error("FilterError should allow CRITICAL")
	}
	if f.Allows(Warning) {
		t.Error("FilterError should not allow WARNING")
	}
}

func TestFilterAllAllowsEverything(t *testing.T) {
	if !FilterAll.Allows(Notice) {
		t.Error("FilterAll should allow NOTICE")
	}
}
