package wildmat

import "testing"

func TestSimple(t *testing.T) {
	if !Match("foo", "foo") {
		t.Fail()
	}
	if Match("foo", "bar") {
		t.Fail()
	}
	if !Match("f?o", "foo") {
		t.Fail()
	}
	if !Match("f*o", "fooo") {
		t.Fail()
	}
	if !Match("comp.*", "comp.lang.go") {
		t.Fail()
	}
	if Match("comp.*", "misc.test") {
		t.Fail()
	}
}

func TestCharClass(t *testing.T) {
	if !Match("b[aeiou]r", "bar") {
		t.Fail()
	}
	if Match("b[!aeiou]r", "bar") {
		t.Fail()
	}
	if !Match("b[a-z]r", "bor") {
		t.Fail()
	}
}

func TestEscape(t *testing.T) {
	if !Match(`a\*b`, "a*b") {
		t.Fail()
	}
	if Match(`a\*b`, "axxb") {
		t.Fail()
	}
}

func TestMatchListOrdering(t *testing.T) {
	patterns := []string{"comp.*", "!comp.lang.*", "comp.lang.go"}
	cases := []struct {
		name string
		want bool
	}{
		{"comp.misc", true},
		{"comp.lang.c", false},
		{"comp.lang.go", true},
		{"misc.test", false},
	}
	for _, c := range cases {
		if got := MatchList(patterns, c.name); got != c.want {
			t.Errorf("MatchList(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestMatchListStable(t *testing.T) {
	patterns := []string{"*", "!ctl"}
	for i := 0; i < 3; i++ {
		if MatchList(patterns, "ctl") {
			t.Fail()
		}
		if !MatchList(patterns, "misc.test") {
			t.Fail()
		}
	}
}
