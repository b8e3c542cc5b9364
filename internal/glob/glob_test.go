package glob

import "testing"

func mustMatch(t *testing.T, pattern, key string, want bool) {
	t.Helper()
	re, err := Compile(pattern)
	if err != nil {
		t.Fatalf("Compile(%q): %v", pattern, err)
	}
	if got := re.MatchString(key); got != want {
		t.Errorf("Compile(%q).MatchString(%q) = %v, want %v", pattern, key, got, want)
	}
}

func TestCompile_Star(t *testing.T) {
	mustMatch(t, "host.*.cpu", "host.web01.cpu", true)
	mustMatch(t, "host.*.cpu", "host.web01.load.cpu", false)
}

func TestCompile_Question(t *testing.T) {
	mustMatch(t, "host.web0?.cpu", "host.web01.cpu", true)
	mustMatch(t, "host.web0?.cpu", "host.web010.cpu", false)
}

func TestCompile_BracketClass(t *testing.T) {
	mustMatch(t, "host.web0[12].cpu", "host.web01.cpu", true)
	mustMatch(t, "host.web0[12].cpu", "host.web03.cpu", false)
}

func TestCompile_BracketNegation(t *testing.T) {
	mustMatch(t, "host.web0[^12].cpu", "host.web03.cpu", true)
	mustMatch(t, "host.web0[^12].cpu", "host.web01.cpu", false)
}

func TestCompile_BracketNegationExcludesDot(t *testing.T) {
	mustMatch(t, "a[^12]b", "axb", true)
	mustMatch(t, "a[^12]b", "a.b", false)
}

func TestCompile_BraceAlternation(t *testing.T) {
	mustMatch(t, "host.{web,api}01.cpu", "host.web01.cpu", true)
	mustMatch(t, "host.{web,api}01.cpu", "host.api01.cpu", true)
	mustMatch(t, "host.{web,api}01.cpu", "host.db01.cpu", false)
}

func TestCompile_BraceRejectsRegexMeta(t *testing.T) {
	_, err := Compile("host.{a.b,c}.cpu")
	if err == nil {
		t.Fatal("expected error for regex meta inside {}")
	}
}

func TestCompile_BraceEscapesRegexMeta(t *testing.T) {
	mustMatch(t, "host.{a+,b}.cpu", "host.a+.cpu", true)
	mustMatch(t, "host.{a+,b}.cpu", "host.aaa.cpu", false)
}

func TestCompile_BraceAllowsEscapedComma(t *testing.T) {
	mustMatch(t, `host.{a\,b,c}.cpu`, "host.a,b.cpu", true)
}

func TestCompile_CapturingGroup(t *testing.T) {
	re, err := Compile("host.(web*).cpu")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m := re.FindStringSubmatch("host.web01.cpu")
	if m == nil {
		t.Fatal("expected match")
	}
	if m[1] != "web01" {
		t.Errorf("group 1 = %q, want %q", m[1], "web01")
	}
}

func TestCompile_RejectsMultipleGroups(t *testing.T) {
	_, err := Compile("(a).(b)")
	if err == nil {
		t.Fatal("expected error for multiple capturing groups")
	}
}

func TestCompile_RejectsNestedGroups(t *testing.T) {
	_, err := Compile("((a))")
	if err == nil {
		t.Fatal("expected error for nested capturing group")
	}
}

func TestCompile_EscapedLiteral(t *testing.T) {
	mustMatch(t, `host.a\*b.cpu`, "host.a*b.cpu", true)
	mustMatch(t, `host.a\*b.cpu`, "host.axb.cpu", false)
}

func TestCompile_UnterminatedBracket(t *testing.T) {
	_, err := Compile("host.[abc.cpu")
	if err == nil {
		t.Fatal("expected error for unterminated bracket")
	}
}

func TestCompile_IllegalEscapeRejected(t *testing.T) {
	_, err := Compile(`host.a\qb.cpu`)
	if err == nil {
		t.Fatal("expected error for escape of a non-meta character")
	}
}

func TestCompile_DotIsLiteral(t *testing.T) {
	mustMatch(t, "a.b.c", "a.b.c", true)
	mustMatch(t, "a.b.c", "axbxc", false)
}

func TestCompile_StarStopsAtDot(t *testing.T) {
	re, err := Compile("a.*")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if re.MatchString("a.b.c") {
		t.Error("'*' must not cross a '.' boundary")
	}
}

func TestGroupKey_SubstitutesCapturedSpan(t *testing.T) {
	got := GroupKey("a.(*).b", "x")
	if got != "a.x.b" {
		t.Errorf("GroupKey = %q, want %q", got, "a.x.b")
	}
}

func TestGroupKey_PreservesSurroundingWildcards(t *testing.T) {
	got := GroupKey("a.*.(*).b", "x")
	if got != "a.*.x.b" {
		t.Errorf("GroupKey = %q, want %q", got, "a.*.x.b")
	}
}

func TestGroupKey_NoCaptureGroupReturnsVerbatim(t *testing.T) {
	got := GroupKey("a.*.b", "x")
	if got != "a.*.b" {
		t.Errorf("GroupKey = %q, want %q", got, "a.*.b")
	}
}
