package model

import (
	"testing"
)

func TestValidNewsgroup(t *testing.T) {
	for _, g := range []Newsgroup{"comp.lang.go", "misc.test", "alt.binaries+pics", "a_b.c-d"} {
		if !g.Valid() {
			t.Logf("%s is invalid?", g)
			t.Fail()
		}
	}
}

func TestInvalidNewsgroup(t *testing.T) {
	for _, g := range []Newsgroup{"asd.asd.asd.&&&", "", ".leading", "trailing.", "two..dots"} {
		if g.Valid() {
			t.Logf("%s should be invalid", g)
			t.Fail()
		}
	}
}

func TestNormCaseInsensitive(t *testing.T) {
	if Newsgroup("Comp.Lang.Go").Norm() != Newsgroup("comp.lang.go") {
		t.Fail()
	}
}
